package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/jitlink/internal/target"
	"github.com/tinyrange/jitlink/internal/timeslice"
)

var (
	tsSessionNew = timeslice.RegisterKind("bench::session_new")
	tsAdd        = timeslice.RegisterKind("bench::add")
	tsPrefetch   = timeslice.RegisterKind("bench::prefetch")
	tsLookup     = timeslice.RegisterKind("bench::lookup")
	tsShutdown   = timeslice.RegisterKind("bench::shutdown")
	tsIteration  = timeslice.RegisterKind("bench::iteration")
)

type benchOptions struct {
	iterations int
	symbol     string
	tracePath  string
	quiet      bool
}

func (a *app) benchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench <sample|file.ll>...",
		Short: "Measure compile, link and lookup of fresh sessions",
		Long: "Measure compile, link and lookup of fresh sessions. Each iteration builds a\n" +
			"new session, prefetches every module and looks up --symbol in the first one.\n" +
			"Iterations run concurrently up to --parallelism.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.iterations <= 0 {
				return fmt.Errorf("iterations must be positive, got %d", opts.iterations)
			}
			td, err := a.target()
			if err != nil {
				return err
			}
			sources := make([]source, len(args))
			for idx, arg := range args {
				sources[idx] = parseSource(arg)
			}
			if opts.symbol == "" {
				m, err := sources[0].load(td)
				if err != nil {
					return err
				}
				if opts.symbol, err = firstDefined(m); err != nil {
					return err
				}
			}

			collector, err := timeslice.Start()
			if err != nil {
				return err
			}
			defer collector.Stop()

			var bar *progressbar.ProgressBar
			if !opts.quiet {
				bar = progressbar.NewOptions(opts.iterations,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("bench"),
					progressbar.OptionShowCount(),
				)
				defer bar.Close()
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			limit := a.cfg.Parallelism
			if limit <= 0 {
				limit = 1
			}
			g.SetLimit(limit)
			for range opts.iterations {
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := a.benchIteration(cmd, td, sources, opts.symbol); err != nil {
						return err
					}
					if bar != nil {
						return bar.Add(1)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			collector.Stop()

			if opts.tracePath != "" {
				if err := writeTrace(collector, opts.tracePath); err != nil {
					return err
				}
			}
			return writeStats(cmd.OutOrStdout(), collector.Summary())
		},
	}
	cmd.Flags().IntVarP(&opts.iterations, "iterations", "n", 100, "number of sessions to build")
	cmd.Flags().StringVarP(&opts.symbol, "symbol", "s", "", "symbol to look up (default: first function of the first module)")
	cmd.Flags().StringVar(&opts.tracePath, "trace", "", "write the raw timings to this file")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func (a *app) benchIteration(cmd *cobra.Command, td target.Description, sources []source, symbol string) (err error) {
	start := time.Now()
	rec := timeslice.NewRecorder()

	sess, err := a.newSession(td)
	if err != nil {
		return err
	}
	rec.Record(tsSessionNew)
	defer func() {
		rec.Record(tsShutdown)
		err = errors.Join(err, sess.Shutdown())
		timeslice.Since(tsIteration, start)
	}()

	names, err := addAll(sess, sources)
	if err != nil {
		return err
	}
	rec.Record(tsAdd)

	if err := sess.Prefetch(cmd.Context(), names...); err != nil {
		return err
	}
	rec.Record(tsPrefetch)

	if _, err := sess.Lookup(names[0], symbol); err != nil {
		return err
	}
	rec.Record(tsLookup)
	return nil
}

func writeTrace(c *timeslice.Collector, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	if err := c.WriteTrace(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *app) traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <file>",
		Short: "Summarize a timing trace written by bench --trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			stats, err := timeslice.SummarizeTrace(f)
			if err != nil {
				return err
			}
			return writeStats(cmd.OutOrStdout(), stats)
		},
	}
}
