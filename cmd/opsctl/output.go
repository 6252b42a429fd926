package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

const (
	formatTable = "table"
	formatCSV   = "csv"
)

// writeRows renders header and rows as an aligned table or as csv.
func writeRows(w io.Writer, format string, header []string, rows [][]string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case formatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	case formatTable, "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(header, "\t"))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want table or csv)", format)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
