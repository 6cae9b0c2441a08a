package diag

import "fmt"

// InternalError is the panic value for a broken fit-checking contract
type InternalError struct {
	Msg string
}

func (e InternalError) Error() string {
	return "internal error: " + e.Msg
}

// Assertf panics with an InternalError when cond is false
func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(InternalError{Msg: fmt.Sprintf(format, args...)})
	}
}

// Fatalf always panics with an InternalError
func Fatalf(format string, args ...interface{}) {
	panic(InternalError{Msg: fmt.Sprintf(format, args...)})
}

// Recover converts an InternalError panic into an error stored in *err.
// Other panics are re-raised.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if ie, ok := r.(InternalError); ok {
		*err = ie
		return
	}
	panic(r)
}
