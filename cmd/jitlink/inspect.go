package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/jitlink/internal/codegen"
	"github.com/tinyrange/jitlink/internal/object"
	"github.com/tinyrange/jitlink/internal/sample"
)

func (a *app) irCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ir <sample|file.ll>",
		Short: "Print the textual IR of a module",
		Long:  "Print the textual IR of a module. Built-in samples: " + strings.Join(sample.Names(), ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			td, err := a.target()
			if err != nil {
				return err
			}
			m, err := parseSource(args[0]).load(td)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), m.String())
			return err
		},
	}
}

func (a *app) emitObjCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "emit-obj <sample|file.ll>",
		Short: "Compile a module to an ELF relocatable object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			td, err := a.target()
			if err != nil {
				return err
			}
			src := parseSource(args[0])
			m, err := src.load(td)
			if err != nil {
				return err
			}
			blob, err := codegen.Compile(m, td)
			if err != nil {
				return err
			}
			if out == "" {
				out = src.unit + ".o"
			}
			if err := writeFile(out, blob); err != nil {
				return err
			}
			a.log.Info("wrote object", "path", filepath.Clean(out), "bytes", len(blob), "target", td.Triple)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path (default <unit>.o)")
	return cmd
}

func (a *app) relocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relocs <sample|file.ll|file.o>",
		Short: "Print the relocation records of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.object(args[0])
			if err != nil {
				return err
			}
			return object.WriteRelocations(cmd.OutOrStdout(), f)
		},
	}
}

func (a *app) symbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <sample|file.ll|file.o>",
		Short: "Print the symbols of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.object(args[0])
			if err != nil {
				return err
			}
			return object.WriteSymbols(cmd.OutOrStdout(), f)
		},
	}
}
