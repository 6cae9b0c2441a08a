package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/davecgh/go-spew/spew"
	"github.com/nikandfor/errors"
	"github.com/nikandfor/tlog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/raymyers/ralph-as/pkg/asmparse"
	"github.com/raymyers/ralph-as/pkg/assembler"
	"github.com/raymyers/ralph-as/pkg/config"
	"github.com/raymyers/ralph-as/pkg/diag"
	"github.com/raymyers/ralph-as/pkg/isa"
	"github.com/raymyers/ralph-as/pkg/layout"
	"github.com/raymyers/ralph-as/pkg/listing"
)

var version = "0.1.0"

// Exit codes
const (
	exitOK       = 0
	exitFailed   = 1
	exitInternal = 2
)

// ErrInternal marks failures that are bugs of the assembler, not of its input
var ErrInternal = errors.New("internal error")

// cliFlags are the flags that are not assembler options
type cliFlags struct {
	configPath string
	output     string
	listing    bool
	verbose    bool
	topics     string
	dumpISA    bool
}

func main() {
	os.Exit(run())
}

func run() int {
	return execute(newRootCmd(os.Stdout, os.Stderr), os.Args[1:])
}

func execute(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrInternal):
		fmt.Fprintf(cmd.ErrOrStderr(), "ralph-as: %v\n", err)
		return exitInternal
	case errors.Is(err, diag.ErrAssembly):
		// the diagnostics were printed already
		return exitFailed
	default:
		fmt.Fprintf(cmd.ErrOrStderr(), "ralph-as: %v\n", err)
		return exitFailed
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := config.Default()
	var fl cliFlags

	rootCmd := &cobra.Command{
		Use:   "ralph-as [file.s...]",
		Short: "ralph-as is an assembler for configurable VLIW cores",
		Long: `ralph-as assembles source for a table-driven configurable VLIW core.
Instructions are narrowed or widened to fit their operands, bundles are
checked for resource conflicts, and the layout is relaxed until every
branch reaches its target.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fl.configPath != "" {
				fo, err := config.LoadFile(fl.configPath)
				if err != nil {
					return err
				}
				if err := fo.ApplyFlags(cmd.Flags()); err != nil {
					return err
				}
				opts = fo
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			x, err := loadISA(opts.ISA)
			if err != nil {
				return err
			}
			if fl.dumpISA {
				spew.Fdump(out, x)
				return nil
			}
			if len(args) == 0 {
				return cmd.Help()
			}
			if fl.output != "" && len(args) != 1 {
				return errors.New("-o needs exactly one input file, got %d", len(args))
			}

			ctx := context.Background()
			if fl.verbose || fl.topics != "" {
				l := tlog.New(tlog.NewConsoleWriter(errOut, tlog.LstdFlags))
				if fl.topics != "" {
					l.SetVerbosity(fl.topics)
				}
				tr := l.Root().Spawn("ralph-as", "files", len(args))
				defer tr.Finish()
				ctx = tlog.ContextWithSpan(ctx, tr)
			}

			return assembleAll(ctx, x, opts, fl, args, out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	opts.BindFlags(rootCmd.Flags())
	rootCmd.Flags().StringVar(&fl.configPath, "config", "", "load options from a YAML file; flags override it")
	rootCmd.Flags().StringVarP(&fl.output, "output", "o", "", "write the image (literal pool and text) to this file")
	rootCmd.Flags().BoolVar(&fl.listing, "listing", false, "print a listing of the assembled code")
	rootCmd.Flags().BoolVarP(&fl.verbose, "verbose", "v", false, "log relaxation to stderr")
	rootCmd.Flags().StringVar(&fl.topics, "trace", "", "also log these topics (relax,bundle)")
	rootCmd.Flags().BoolVar(&fl.dumpISA, "dump-isa", false, "dump the loaded ISA description and exit")

	return rootCmd
}

func loadISA(path string) (*isa.ISA, error) {
	if path == "" {
		return isa.Default()
	}
	return isa.LoadFile(path)
}

// fileResult is the outcome of assembling one input
type fileResult struct {
	name  string
	res   *assembler.Result
	diags []diag.Diagnostic
	err   error
}

// assembleAll assembles every input on its own session, concurrently, and
// reports in input order
func assembleAll(ctx context.Context, x *isa.ISA, opts config.Options, fl cliFlags, names []string, out, errOut io.Writer) error {
	results := make([]fileResult, len(names))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = assembleFile(ctx, x, opts, name)
			return nil
		})
	}
	_ = g.Wait()

	color := isTerminal(errOut)
	failed := 0
	for _, r := range results {
		printDiagnostics(errOut, r.diags, color)
		if r.err != nil {
			if !errors.Is(r.err, diag.ErrAssembly) {
				return errors.Wrap(r.err, "%s", r.name)
			}
			failed++
			continue
		}
		if fl.listing {
			if len(names) > 1 {
				fmt.Fprintf(out, "%s:\n", r.name)
			}
			listing.NewPrinter(out, x).PrintLayout(r.res.Layout)
		}
		if fl.output != "" {
			if err := os.WriteFile(fl.output, r.res.Image, 0o644); err != nil {
				return errors.Wrap(err, "write output")
			}
		}
	}
	if failed > 0 {
		return errors.Wrap(diag.ErrAssembly, "%d of %d files", failed, len(names))
	}
	return nil
}

func assembleFile(ctx context.Context, x *isa.ISA, opts config.Options, name string) (r fileResult) {
	r.name = name
	var ierr error
	defer func() {
		if ierr != nil {
			r.err = errors.Wrap(ErrInternal, "%v", ierr)
		}
	}()
	defer diag.Recover(&ierr)

	src, err := os.ReadFile(name)
	if err != nil {
		r.err = errors.Wrap(err, "read source")
		return r
	}
	stmts, perrs := asmparse.Parse(name, string(src))

	s, err := assembler.New(ctx, x, opts)
	if err != nil {
		r.err = err
		return r
	}
	for _, d := range perrs {
		s.Diags.Errorf(d.Pos, "%s", d.Msg)
	}

	guarded(&r, s, func() {
		r.res, r.err = s.Assemble(ctx, stmts)
		if errors.Is(r.err, layout.ErrNoConvergence) {
			r.err = errors.Wrap(ErrInternal, "%v", r.err)
		}
	})
	return r
}

// guarded runs fn on s. The diagnostics s collected are kept in r even
// when fn stops on an internal error.
func guarded(r *fileResult, s *assembler.Session, fn func()) {
	var ierr error
	defer func() {
		r.diags = s.Diags.Diagnostics()
		if ierr != nil {
			r.err = errors.Wrap(ErrInternal, "%v", ierr)
		}
	}()
	defer diag.Recover(&ierr)
	fn()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

const (
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorReset  = "\x1b[0m"
)

// printDiagnostics prints file:line: severity: message lines
func printDiagnostics(w io.Writer, ds []diag.Diagnostic, color bool) {
	for _, d := range ds {
		sev := d.Severity.String()
		if color {
			c := colorRed
			if d.Severity == diag.SevWarning {
				c = colorYellow
			}
			sev = c + sev + colorReset
		}
		fmt.Fprintf(w, "%v: %s: %s\n", d.Pos, sev, d.Msg)
	}
}
