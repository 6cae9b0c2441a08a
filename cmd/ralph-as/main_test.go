package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nikandfor/errors"
	"gopkg.in/yaml.v3"

	"github.com/raymyers/ralph-as/pkg/assembler"
	"github.com/raymyers/ralph-as/pkg/config"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/isa"
)

// ScenarioSpec is one assembly run driven from testdata/scenarios.yaml
type ScenarioSpec struct {
	Name        string   `yaml:"name"`
	Input       string   `yaml:"input"`
	Args        []string `yaml:"args"`
	Exit        int      `yaml:"exit"`
	Expect      []string `yaml:"expect"`       // Strings that must appear in the listing
	ExpectNot   []string `yaml:"expect_not"`   // Strings that must NOT appear in the listing
	ExpectError []string `yaml:"expect_error"` // Strings that must appear on stderr
	Skip        string   `yaml:"skip,omitempty"`
}

// ScenarioFile is the layout of scenarios.yaml
type ScenarioFile struct {
	Tests []ScenarioSpec `yaml:"tests"`
}

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(args ...string) (code int, out, errOut string) {
	var o, e bytes.Buffer
	code = execute(newRootCmd(&o, &e), args)
	return code, o.String(), e.String()
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
	code, out, _ := runCmd("--version")
	if code != exitOK || !strings.Contains(out, version) {
		t.Errorf("--version: exit %d, output %q", code, out)
	}
}

func TestFlagsExist(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	for _, name := range []string{
		"config", "output", "listing", "verbose", "trace", "dump-isa",
		"density", "transform", "prefer-const16", "long-calls", "target-align",
		"loop-align", "fetch-width", "max-passes", "hw-version", "workaround", "isa",
	} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag --%s to exist", name)
		}
	}
}

func TestNoArgsShowsHelp(t *testing.T) {
	code, out, _ := runCmd()
	if code != exitOK || !strings.Contains(out, "Usage:") {
		t.Errorf("exit %d, output %q", code, out)
	}
}

func TestScenarios(t *testing.T) {
	data, err := os.ReadFile("testdata/scenarios.yaml")
	if err != nil {
		t.Fatalf("read scenarios: %v", err)
	}
	var file ScenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("parse scenarios: %v", err)
	}

	for _, tc := range file.Tests {
		tc := tc
		t.Run(tc.Name, func(t *testing.T) {
			if tc.Skip != "" {
				t.Skip(tc.Skip)
			}
			path := writeSource(t, "in.s", tc.Input)
			args := append([]string{"--listing"}, tc.Args...)
			code, out, errOut := runCmd(append(args, path)...)

			if code != tc.Exit {
				t.Fatalf("exit = %d, want %d\nstdout:\n%s\nstderr:\n%s", code, tc.Exit, out, errOut)
			}
			for _, e := range tc.Expect {
				if !strings.Contains(out, e) {
					t.Errorf("listing lacks %q:\n%s", e, out)
				}
			}
			for _, e := range tc.ExpectNot {
				if strings.Contains(out, e) {
					t.Errorf("listing contains %q:\n%s", e, out)
				}
			}
			for _, e := range tc.ExpectError {
				if !strings.Contains(errOut, e) {
					t.Errorf("stderr lacks %q:\n%s", e, errOut)
				}
			}
		})
	}
}

func TestOutputFile(t *testing.T) {
	src := writeSource(t, "a.s", "movi a2, 0x12345678\nret\n")
	bin := filepath.Join(t.TempDir(), "a.bin")
	code, _, errOut := runCmd("--target-align=false", "-o", bin, src)
	if code != exitOK {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	img, err := os.ReadFile(bin)
	if err != nil {
		t.Fatal(err)
	}
	// pool, l32r and ret.n
	if len(img) != 4+3+2 {
		t.Errorf("image = % x", img)
	}
	if !bytes.Equal(img[:4], []byte{0x78, 0x56, 0x34, 0x12}) {
		t.Errorf("pool = % x", img[:4])
	}
}

func TestOutputNeedsOneFile(t *testing.T) {
	a := writeSource(t, "a.s", "nop\n")
	b := writeSource(t, "b.s", "nop\n")
	code, _, errOut := runCmd("-o", filepath.Join(t.TempDir(), "x.bin"), a, b)
	if code != exitFailed || !strings.Contains(errOut, "exactly one input") {
		t.Errorf("exit %d: %s", code, errOut)
	}
}

func TestMultipleFiles(t *testing.T) {
	good := writeSource(t, "good.s", "add a2, a3, a4\n")
	bad := writeSource(t, "bad.s", "nop\nfrob a2\n")
	code, out, errOut := runCmd("--listing", good, bad)
	if code != exitFailed {
		t.Fatalf("exit = %d, want %d", code, exitFailed)
	}
	if !strings.Contains(errOut, bad+":2: error: unknown opcode frob") {
		t.Errorf("stderr = %q", errOut)
	}
	if !strings.Contains(out, good+":") || !strings.Contains(out, "add.n") {
		t.Errorf("listing of the good file missing:\n%s", out)
	}
}

func TestMissingFile(t *testing.T) {
	code, _, errOut := runCmd(filepath.Join(t.TempDir(), "none.s"))
	if code != exitFailed || !strings.Contains(errOut, "read source") {
		t.Errorf("exit %d: %s", code, errOut)
	}
}

func TestConfigFile(t *testing.T) {
	cfg := writeSource(t, "opts.yaml", "density: false\ntarget_align: false\n")
	src := writeSource(t, "a.s", "add a2, a3, a4\n")

	_, out, _ := runCmd("--listing", "--config", cfg, src)
	if strings.Contains(out, "add.n") || !strings.Contains(out, "add ") {
		t.Errorf("density from the file ignored:\n%s", out)
	}

	// the command line wins over the file
	_, out, _ = runCmd("--listing", "--config", cfg, "--density", src)
	if !strings.Contains(out, "add.n") {
		t.Errorf("--density did not override the file:\n%s", out)
	}
}

func TestConfigErrors(t *testing.T) {
	src := writeSource(t, "a.s", "nop\n")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"fetch width", []string{"--fetch-width", "3"}, "not a power of two"},
		{"hardware version", []string{"--hw-version", "1:2"}, "unsupported hardware version"},
		{"workaround", []string{"--workaround", "bogus=on"}, "unknown workaround"},
		{"missing config", []string{"--config", "/nonexistent/opts.yaml"}, "read options"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCmd(append(tt.args, src)...)
			if code != exitFailed {
				t.Errorf("exit = %d, want %d", code, exitFailed)
			}
			if !strings.Contains(errOut, tt.want) {
				t.Errorf("stderr = %q, want %q", errOut, tt.want)
			}
		})
	}
}

func TestNoConvergenceIsInternal(t *testing.T) {
	src := writeSource(t, "a.s", "movi a2, 0x12345678\n")
	code, _, errOut := runCmd("--max-passes", "1", src)
	if code != exitInternal {
		t.Errorf("exit = %d, want %d: %s", code, exitInternal, errOut)
	}
	if !strings.Contains(errOut, "internal error") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestInternalErrorKeepsDiagnostics(t *testing.T) {
	x, err := isa.Default()
	if err != nil {
		t.Fatal(err)
	}
	s, err := assembler.New(context.Background(), x, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	var r fileResult
	guarded(&r, s, func() {
		s.Diags.Errorf(diag.Pos{File: "a.s", Line: 2}, "bad operand")
		diag.Fatalf("frag grew past its bound")
	})
	if !errors.Is(r.err, ErrInternal) {
		t.Errorf("err = %v, want ErrInternal", r.err)
	}
	if len(r.diags) != 1 || r.diags[0].Msg != "bad operand" {
		t.Errorf("diagnostics = %v", r.diags)
	}
}

func TestDumpISA(t *testing.T) {
	code, out, _ := runCmd("--dump-isa")
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	for _, want := range []string{"x24", "f64t", "l32r"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump lacks %q", want)
		}
	}
}

func TestVerboseLogs(t *testing.T) {
	src := writeSource(t, "a.s", "beqz a2, L\nnop\nL: nop\n")
	code, _, errOut := runCmd("--verbose", src)
	if code != exitOK {
		t.Fatalf("exit = %d: %s", code, errOut)
	}
	if !strings.Contains(errOut, "fixpoint pass") {
		t.Errorf("no relaxation log on stderr:\n%s", errOut)
	}
}

func TestPrintDiagnosticsColor(t *testing.T) {
	ds := []diag.Diagnostic{
		{Pos: diag.Pos{File: "a.s", Line: 3}, Severity: diag.SevError, Msg: "boom"},
		{Pos: diag.Pos{File: "a.s", Line: 4}, Severity: diag.SevWarning, Msg: "hmm"},
	}

	var plain bytes.Buffer
	printDiagnostics(&plain, ds, false)
	if want := "a.s:3: error: boom\na.s:4: warning: hmm\n"; plain.String() != want {
		t.Errorf("plain = %q, want %q", plain.String(), want)
	}

	var colored bytes.Buffer
	printDiagnostics(&colored, ds, true)
	if !strings.Contains(colored.String(), colorRed+"error"+colorReset) ||
		!strings.Contains(colored.String(), colorYellow+"warning"+colorReset) {
		t.Errorf("colored = %q", colored.String())
	}
}
