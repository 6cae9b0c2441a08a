package config

import (
	"strings"

	"github.com/nikandfor/errors"
	"github.com/spf13/pflag"
)

// VersionFlag binds --hw-version to Options.HardwareVersion
type VersionFlag struct {
	R *VersionRange
}

var _ pflag.Value = VersionFlag{}

func (f VersionFlag) String() string {
	if f.R == nil {
		return ""
	}
	return f.R.String()
}

func (f VersionFlag) Set(s string) error {
	r, err := ParseVersionRange(s)
	if err != nil {
		return err
	}
	*f.R = r
	return nil
}

func (f VersionFlag) Type() string { return "earliest:latest" }

// WorkaroundFlag binds repeated --workaround name=mode flags to Options.Workarounds
type WorkaroundFlag struct {
	M map[string]Mode
	// Given collects the arguments in command line order
	Given *[]string
}

var _ pflag.Value = WorkaroundFlag{}

func (f WorkaroundFlag) String() string {
	var parts []string
	for _, n := range ErratumNames() {
		if m, ok := f.M[n]; ok {
			parts = append(parts, n+"="+string(m))
		}
	}
	return strings.Join(parts, ",")
}

func (f WorkaroundFlag) Set(s string) error {
	for _, kv := range strings.Split(s, ",") {
		name, mode, ok := strings.Cut(kv, "=")
		if !ok {
			return errors.New("workaround %q: want name=auto|on|off", kv)
		}
		if _, known := erratumRanges[name]; !known {
			return errors.New("unknown workaround %q", name)
		}
		switch m := Mode(mode); m {
		case ModeAuto, ModeOn, ModeOff:
			f.M[name] = m
		default:
			return errors.New("workaround %s: bad mode %q", name, mode)
		}
	}
	if f.Given != nil {
		*f.Given = append(*f.Given, s)
	}
	return nil
}

func (f WorkaroundFlag) Type() string { return "name=mode" }

// BindFlags registers the option flags on fs
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	if o.Workarounds == nil {
		o.Workarounds = map[string]Mode{}
	}
	fs.StringVar(&o.ISA, "isa", o.ISA, "ISA description YAML (default: embedded xtv)")
	fs.BoolVar(&o.Density, "density", o.Density, "allow narrow density instructions")
	fs.BoolVar(&o.Transform, "transform", o.Transform, "allow instruction relaxation")
	fs.BoolVar(&o.PreferConst16, "prefer-const16", o.PreferConst16, "load wide constants with const16 instead of l32r")
	fs.BoolVar(&o.LongCalls, "long-calls", o.LongCalls, "expand direct calls to indirect calls")
	fs.BoolVar(&o.TargetAlign, "target-align", o.TargetAlign, "align branch targets to the fetch width")
	fs.BoolVar(&o.LoopAlign, "loop-align", o.LoopAlign, "align loop bodies to the fetch width")
	fs.IntVar(&o.FetchWidth, "fetch-width", o.FetchWidth, "instruction fetch block size in bytes")
	fs.IntVar(&o.MaxPasses, "max-passes", o.MaxPasses, "layout relaxation pass limit")
	fs.Var(VersionFlag{R: &o.HardwareVersion}, "hw-version", "hardware version range")
	fs.Var(WorkaroundFlag{M: o.Workarounds, Given: &o.workaroundArgs}, "workaround", "erratum workaround mode (repeatable)")
}

// ApplyFlags sets on o every flag that was given on fs. Options loaded
// from a file go through it so that the command line still wins.
func (o *Options) ApplyFlags(fs *pflag.FlagSet) error {
	target := pflag.NewFlagSet("options", pflag.ContinueOnError)
	o.BindFlags(target)

	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil || target.Lookup(f.Name) == nil {
			return
		}
		vals := []string{f.Value.String()}
		if w, ok := f.Value.(WorkaroundFlag); ok && w.Given != nil {
			vals = *w.Given
		}
		for _, v := range vals {
			if e := target.Set(f.Name, v); e != nil {
				err = errors.Wrap(e, "--%s", f.Name)
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return o.Validate()
}
