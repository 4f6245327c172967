package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/fatih/color"

	"github.com/tinyrange/jitlink/internal/timeslice"
)

var (
	headerColor = color.New(color.FgGreen, color.Bold)
	nameColor   = color.New(color.FgCyan)
	addrColor   = color.New(color.FgYellow)
)

// writeTable prints rows in aligned columns. Cells may carry color escapes;
// widths are measured on the visible text.
func writeTable(w io.Writer, headers []string, rows [][]string) error {
	widths := make([]int, len(headers))
	for idx, h := range headers {
		widths[idx] = ansi.StringWidth(h)
	}
	for _, row := range rows {
		for idx, cell := range row {
			widths[idx] = max(widths[idx], ansi.StringWidth(cell))
		}
	}

	line := func(cells []string) error {
		var b strings.Builder
		for idx, cell := range cells {
			if idx > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if idx < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[idx]-ansi.StringWidth(cell)))
			}
		}
		_, err := fmt.Fprintln(w, b.String())
		return err
	}

	colored := make([]string, len(headers))
	for idx, h := range headers {
		colored[idx] = headerColor.Sprint(h)
	}
	if err := line(colored); err != nil {
		return err
	}
	for _, row := range rows {
		if err := line(row); err != nil {
			return err
		}
	}
	return nil
}

func formatAddr(addr uintptr) string {
	return addrColor.Sprintf("%#016x", addr)
}

func writeStats(w io.Writer, stats []timeslice.Stat) error {
	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, []string{
			nameColor.Sprint(st.Name),
			fmt.Sprint(st.Count),
			st.Mean().String(),
			st.Min.String(),
			st.Max.String(),
		})
	}
	return writeTable(w, []string{"PHASE", "COUNT", "MEAN", "MIN", "MAX"}, rows)
}
