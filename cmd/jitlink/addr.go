package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyrange/jitlink/internal/jit"
)

func (a *app) addrCmd() *cobra.Command {
	var symbols []string
	cmd := &cobra.Command{
		Use:   "addr <sample|file.ll>...",
		Short: "Link modules into this process and print symbol addresses",
		Long: "Link modules into this process and print symbol addresses. With --symbol the\n" +
			"symbol is looked up in every unit that defines it, otherwise every unit is\n" +
			"materialized and all of its exports are listed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			td, err := a.target()
			if err != nil {
				return err
			}
			sess, err := a.newSession(td)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, sess.Shutdown())
			}()

			sources := make([]source, len(args))
			for idx, arg := range args {
				sources[idx] = parseSource(arg)
			}
			names, err := addAll(sess, sources)
			if err != nil {
				return err
			}

			var rows [][]string
			if len(symbols) == 0 {
				if err := sess.Prefetch(cmd.Context(), names...); err != nil {
					return err
				}
				for _, info := range sess.Units() {
					for _, name := range info.Symbols {
						sym, err := sess.Lookup(info.Name, td.Demangle(name))
						if err != nil {
							return err
						}
						rows = append(rows, []string{nameColor.Sprint(info.Name), sym.Name, formatAddr(sym.Address)})
					}
				}
			} else {
				for _, want := range symbols {
					found := false
					for _, unit := range names {
						sym, err := sess.Lookup(unit, want)
						if errors.Is(err, jit.ErrSymbolNotFound) {
							var linkErr *jit.LinkError
							if !errors.As(err, &linkErr) {
								continue
							}
						}
						if err != nil {
							return err
						}
						found = true
						rows = append(rows, []string{nameColor.Sprint(unit), sym.Name, formatAddr(sym.Address)})
					}
					if !found {
						return fmt.Errorf("%s: %w", want, jit.ErrSymbolNotFound)
					}
				}
			}

			stats := sess.Stats()
			a.log.Debug("session stats", "compilations", stats.Compilations, "cache_hits", stats.CacheHits, "links", stats.Links)
			return writeTable(cmd.OutOrStdout(), []string{"UNIT", "SYMBOL", "ADDRESS"}, rows)
		},
	}
	cmd.Flags().StringSliceVarP(&symbols, "symbol", "s", nil, "symbol to look up (repeatable)")
	return cmd
}
