package asmparse

import (
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestSpec represents a test case from testdata/parse.yaml
type TestSpec struct {
	Name   string     `yaml:"name"`
	Input  string     `yaml:"input"`
	Stmts  []StmtSpec `yaml:"stmts"`
	Errors []string   `yaml:"errors"`
}

// StmtSpec is the expected shape of one statement
type StmtSpec struct {
	Kind   string `yaml:"kind"`
	Name   string `yaml:"name,omitempty"`
	Text   string `yaml:"text,omitempty"`
	Format string `yaml:"format,omitempty"`
	Words  string `yaml:"words,omitempty"`
	Args   string `yaml:"args,omitempty"`
	Line   int    `yaml:"line,omitempty"`
}

// TestFile represents the parse.yaml file structure
type TestFile struct {
	Tests []TestSpec `yaml:"tests"`
}

func TestParseYAML(t *testing.T) {
	data, err := os.ReadFile("testdata/parse.yaml")
	if err != nil {
		t.Fatalf("failed to read parse.yaml: %v", err)
	}

	var testFile TestFile
	if err := yaml.Unmarshal(data, &testFile); err != nil {
		t.Fatalf("failed to parse parse.yaml: %v", err)
	}

	for _, tc := range testFile.Tests {
		tc := tc
		t.Run(tc.Name, func(t *testing.T) {
			stmts, errs := Parse("t.s", tc.Input)

			if len(errs) != len(tc.Errors) {
				t.Fatalf("errors = %v, want %v", errs, tc.Errors)
			}
			for i, want := range tc.Errors {
				if !strings.Contains(errs[i].Msg, want) {
					t.Errorf("error %d = %q, want %q", i, errs[i].Msg, want)
				}
			}

			if len(stmts) != len(tc.Stmts) {
				t.Fatalf("got %d statements, want %d: %#v", len(stmts), len(tc.Stmts), stmts)
			}
			for i, spec := range tc.Stmts {
				verifyStmt(t, stmts[i], spec)
			}
		})
	}
}

func verifyStmt(t *testing.T, s Stmt, spec StmtSpec) {
	t.Helper()

	if spec.Line != 0 && s.Position().Line != spec.Line {
		t.Errorf("%T at line %d, want %d", s, s.Position().Line, spec.Line)
	}
	if s.Position().File != "t.s" {
		t.Errorf("%T file = %q", s, s.Position().File)
	}

	switch spec.Kind {
	case "Label":
		l, ok := s.(Label)
		if !ok {
			t.Fatalf("expected Label, got %T", s)
		}
		if l.Name != spec.Name {
			t.Errorf("Label.Name: expected %q, got %q", spec.Name, l.Name)
		}

	case "Instr":
		in, ok := s.(Instr)
		if !ok {
			t.Fatalf("expected Instr, got %T", s)
		}
		if got := in.String(); got != spec.Text {
			t.Errorf("Instr: expected %q, got %q", spec.Text, got)
		}

	case "Bundle":
		b, ok := s.(Bundle)
		if !ok {
			t.Fatalf("expected Bundle, got %T", s)
		}
		parts := make([]string, len(b.Instrs))
		for i, in := range b.Instrs {
			parts[i] = in.String()
		}
		if got := strings.Join(parts, "; "); got != spec.Text {
			t.Errorf("Bundle: expected %q, got %q", spec.Text, got)
		}
		if b.Format != spec.Format {
			t.Errorf("Bundle.Format: expected %q, got %q", spec.Format, b.Format)
		}

	case "Directive":
		d, ok := s.(Directive)
		if !ok {
			t.Fatalf("expected Directive, got %T", s)
		}
		if d.Name != spec.Name || d.Words != spec.Words {
			t.Errorf("Directive: expected %s %q, got %s %q", spec.Name, spec.Words, d.Name, d.Words)
		}
		args := make([]string, len(d.Args))
		for i, a := range d.Args {
			args[i] = a.String()
		}
		if got := strings.Join(args, ","); got != spec.Args {
			t.Errorf("Directive.Args: expected %q, got %q", spec.Args, got)
		}

	default:
		t.Fatalf("unknown kind %q", spec.Kind)
	}
}
