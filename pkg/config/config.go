// Package config holds the assembler options: density and transform
// switches, alignment, the literal-vs-const16 preference, and the hardware
// version range that decides which erratum workarounds are needed.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nikandfor/errors"
	"gopkg.in/yaml.v3"
)

// Hardware timing constants of the loop errata
const (
	// ShortLoopMinInsns is the smallest loop body that needs no padding
	ShortLoopMinInsns = 3
	// CloseLoopEndMinDistance is the minimum byte distance between two loop ends
	CloseLoopEndMinDistance = 12
)

// Erratum names
const (
	A0BRetw      = "a0_b_retw"
	BJLoopEnd    = "b_j_loop_end"
	ShortLoop    = "short_loop"
	CloseLoopEnd = "close_loop_end"
)

// Mode controls one erratum workaround
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeOn   Mode = "on"
	ModeOff  Mode = "off"
)

// VersionRange is an inclusive range of hardware versions
type VersionRange struct {
	Earliest int `yaml:"earliest"`
	Latest   int `yaml:"latest"`
}

func (r VersionRange) String() string {
	return strconv.Itoa(r.Earliest) + ":" + strconv.Itoa(r.Latest)
}

// Options are the per-run assembler options
type Options struct {
	ISA             string          `yaml:"isa"`
	Density         bool            `yaml:"density"`
	Transform       bool            `yaml:"transform"`
	PreferConst16   bool            `yaml:"prefer_const16"`
	LongCalls       bool            `yaml:"long_calls"`
	TargetAlign     bool            `yaml:"target_align"`
	LoopAlign       bool            `yaml:"loop_align"`
	FetchWidth      int             `yaml:"fetch_width"`
	HardwareVersion VersionRange    `yaml:"hardware_version"`
	Workarounds     map[string]Mode `yaml:"workarounds"`
	MaxPasses       int             `yaml:"max_passes"`

	workaroundArgs []string
}

// Default returns the default options
func Default() Options {
	return Options{
		Density:         true,
		Transform:       true,
		TargetAlign:     true,
		LoopAlign:       true,
		FetchWidth:      4,
		HardwareVersion: VersionRange{Earliest: 230000, Latest: 230000},
		Workarounds: map[string]Mode{
			A0BRetw:      ModeAuto,
			BJLoopEnd:    ModeAuto,
			ShortLoop:    ModeAuto,
			CloseLoopEnd: ModeAuto,
		},
		MaxPasses: 128,
	}
}

// LoadFile reads options from a YAML file on top of the defaults
func LoadFile(path string) (Options, error) {
	o := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return o, errors.Wrap(err, "read options")
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, errors.Wrap(err, "parse options %s", path)
	}
	// workarounds missing from the file stay on auto
	for _, name := range ErratumNames() {
		if _, ok := o.Workarounds[name]; !ok {
			if o.Workarounds == nil {
				o.Workarounds = map[string]Mode{}
			}
			o.Workarounds[name] = ModeAuto
		}
	}
	return o, o.Validate()
}

// Validate checks option consistency
func (o *Options) Validate() error {
	if o.FetchWidth <= 0 || o.FetchWidth&(o.FetchWidth-1) != 0 {
		return errors.New("fetch_width %d is not a power of two", o.FetchWidth)
	}
	if o.MaxPasses <= 0 {
		return errors.New("max_passes must be positive")
	}
	for name, m := range o.Workarounds {
		if _, ok := erratumRanges[name]; !ok {
			return errors.New("unknown workaround %q", name)
		}
		switch m {
		case ModeAuto, ModeOn, ModeOff:
		default:
			return errors.New("workaround %s: bad mode %q", name, m)
		}
	}
	return nil
}

// Errata tells which hardware workarounds are in effect
type Errata struct {
	A0BRetw      bool
	BJLoopEnd    bool
	ShortLoop    bool
	CloseLoopEnd bool
}

// Any reports whether any workaround is enabled
func (e Errata) Any() bool {
	return e.A0BRetw || e.BJLoopEnd || e.ShortLoop || e.CloseLoopEnd
}

// affected is a half-open range [from, to) of hardware versions with a bug
type affected struct {
	from, to int
}

// erratumRanges lists the hardware versions each erratum applies to
var erratumRanges = map[string]affected{
	A0BRetw:      {0, 250000},
	BJLoopEnd:    {0, 250000},
	ShortLoop:    {0, 240000},
	CloseLoopEnd: {0, 240000},
}

// Supported hardware versions
const (
	MinHardwareVersion = 200000
	MaxHardwareVersion = 300000
)

// ErrUnsupportedVersion is returned for a hardware range the tool has no errata data for
var ErrUnsupportedVersion = errors.New("unsupported hardware version range")

// ErratumNames returns the known erratum names in a stable order
func ErratumNames() []string {
	names := make([]string, 0, len(erratumRanges))
	for n := range erratumRanges {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Errata resolves the workarounds once for the configured version range.
// In auto mode a workaround is on when any version in range is affected.
func (o *Options) Errata() (Errata, error) {
	r := o.HardwareVersion
	if r.Earliest > r.Latest || r.Earliest < MinHardwareVersion || r.Latest > MaxHardwareVersion {
		return Errata{}, errors.Wrap(ErrUnsupportedVersion, "%v", r)
	}

	on := func(name string) bool {
		switch o.Workarounds[name] {
		case ModeOn:
			return true
		case ModeOff:
			return false
		}
		a := erratumRanges[name]
		return r.Earliest < a.to && r.Latest >= a.from
	}
	return Errata{
		A0BRetw:      on(A0BRetw),
		BJLoopEnd:    on(BJLoopEnd),
		ShortLoop:    on(ShortLoop),
		CloseLoopEnd: on(CloseLoopEnd),
	}, nil
}

// ParseVersionRange parses "earliest:latest" or a single version
func ParseVersionRange(s string) (VersionRange, error) {
	lo, hi, found := strings.Cut(s, ":")
	if !found {
		hi = lo
	}
	a, err := strconv.Atoi(lo)
	if err != nil {
		return VersionRange{}, errors.Wrap(err, "hardware version %q", s)
	}
	b, err := strconv.Atoi(hi)
	if err != nil {
		return VersionRange{}, errors.Wrap(err, "hardware version %q", s)
	}
	return VersionRange{Earliest: a, Latest: b}, nil
}
