// Package diag carries source positions and the three error classes of the
// assembler: user source errors (collected, assembly continues), configuration
// errors (returned from constructors) and internal consistency violations
// (panics carrying an InternalError).
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/nikandfor/errors"
)

// Pos is a source position attached to every instruction
type Pos struct {
	File string
	Line int
}

// String formats the position as file:line
func (p Pos) String() string {
	if p.File == "" {
		return fmt.Sprintf("line %d", p.Line)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// IsZero reports whether the position is unknown
func (p Pos) IsZero() bool {
	return p.File == "" && p.Line == 0
}

// Severity of a diagnostic
type Severity int

const (
	SevError Severity = iota
	SevWarning
)

func (s Severity) String() string {
	if s == SevWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is one user-facing message
type Diagnostic struct {
	Pos      Pos
	Severity Severity
	Msg      string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Pos, d.Severity, d.Msg)
}

// Collector accumulates user diagnostics for one assembly run
type Collector struct {
	diags []Diagnostic
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{}
}

// Errorf records a user source error
func (c *Collector) Errorf(pos Pos, format string, args ...interface{}) {
	c.diags = append(c.diags, Diagnostic{Pos: pos, Severity: SevError, Msg: fmt.Sprintf(format, args...)})
}

// Warnf records a warning
func (c *Collector) Warnf(pos Pos, format string, args ...interface{}) {
	c.diags = append(c.diags, Diagnostic{Pos: pos, Severity: SevWarning, Msg: fmt.Sprintf(format, args...)})
}

// Diagnostics returns all recorded diagnostics in source order
func (c *Collector) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, len(c.diags))
	copy(out, c.diags)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pos.File != out[j].Pos.File {
			return out[i].Pos.File < out[j].Pos.File
		}
		return out[i].Pos.Line < out[j].Pos.Line
	})
	return out
}

// ErrorCount returns the number of errors (warnings excluded)
func (c *Collector) ErrorCount() int {
	n := 0
	for _, d := range c.diags {
		if d.Severity == SevError {
			n++
		}
	}
	return n
}

// HasErrors reports whether any error was recorded
func (c *Collector) HasErrors() bool {
	return c.ErrorCount() > 0
}

// Print writes every diagnostic, one per line
func (c *Collector) Print(w io.Writer) {
	for _, d := range c.Diagnostics() {
		fmt.Fprintln(w, d.String())
	}
}

// ErrAssembly is returned by a run that recorded user errors
var ErrAssembly = errors.New("assembly failed")

// Err returns ErrAssembly wrapped with the error count, or nil
func (c *Collector) Err() error {
	if n := c.ErrorCount(); n > 0 {
		return errors.Wrap(ErrAssembly, "%d errors", n)
	}
	return nil
}
