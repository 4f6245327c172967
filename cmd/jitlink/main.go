// Command jitlink compiles LLVM IR modules to x86-64 objects, inspects them,
// and links them into the running process.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/jitlink/internal/config"
)

type app struct {
	configPath string
	flags      config.Config
	cfg        config.Config
	log        *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "jitlink",
		Short:         "Compile LLVM IR and link it into this process",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (yaml or toml)")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&a.flags.Target, "target", "", "target triple (defaults to the host)")
	pf.StringSliceVar(&a.flags.HostLibraries, "host-lib", nil, "shared library to resolve host symbols from (repeatable)")
	pf.BoolVar(&a.flags.Cache, "cache", false, "reuse compiled objects from the object cache")
	pf.StringVar(&a.flags.CacheDir, "cache-dir", "", "object cache directory")
	pf.IntVar(&a.flags.Parallelism, "parallelism", 0, "concurrent compilations")
	pf.StringVar(&a.flags.Color, "color", "", "colorize output (auto|always|never)")

	root.AddCommand(
		a.irCmd(),
		a.emitObjCmd(),
		a.relocsCmd(),
		a.symbolsCmd(),
		a.addrCmd(),
		a.runCmd(),
		a.benchCmd(),
		a.traceCmd(),
		a.configCmd(),
	)
	return root
}

// setup merges the config file, the environment and explicit flags, in that
// order of precedence.
func (a *app) setup(cmd *cobra.Command) error {
	path, optional := a.configPath, false
	if path == "" {
		if def, err := config.DefaultPath(); err == nil {
			path, optional = def, true
		}
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return err
	}

	pf := cmd.Flags()
	if pf.Changed("log-level") {
		cfg.LogLevel = a.flags.LogLevel
	}
	if pf.Changed("target") {
		cfg.Target = a.flags.Target
	}
	if pf.Changed("host-lib") {
		cfg.HostLibraries = a.flags.HostLibraries
	}
	if pf.Changed("cache") {
		cfg.Cache = a.flags.Cache
	}
	if pf.Changed("cache-dir") {
		cfg.CacheDir = a.flags.CacheDir
		cfg.Cache = true
	}
	if pf.Changed("parallelism") {
		cfg.Parallelism = a.flags.Parallelism
	}
	if pf.Changed("color") {
		cfg.Color = a.flags.Color
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)

	color.NoColor = !cfg.UseColor(isTerminal(cmd.OutOrStdout()))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jitlink: %v\n", err)
		os.Exit(1)
	}
}
