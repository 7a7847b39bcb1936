package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// table prints aligned columns with a header on a terminal, and headerless
// tab-separated rows when piped so scripts can cut and awk the output.
func table(w io.Writer, header []string, rows [][]string) {
	if !stdoutIsTTY() {
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// printKV prints label/value lines, skipping empty values.
func printKV(w io.Writer, pairs [][2]string) {
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		fmt.Fprintf(w, "%-18s %s\n", p[0]+":", p[1])
	}
}

// truncate flattens newlines and cuts s to at most n runes for table cells.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// orDash substitutes a dash for empty table cells so columns stay parseable.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
