package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// tabWriter prints aligned key/value rows for the text format.
type tabWriter struct {
	w *tabwriter.Writer
}

func (t *tabWriter) Row(cells ...any) {
	for i, cell := range cells {
		if i > 0 {
			fmt.Fprint(t.w, "\t")
		}
		fmt.Fprint(t.w, cell)
	}
	fmt.Fprintln(t.w)
}

// writeOutput renders value as indented JSON, or through text for the text format.
func writeOutput(w io.Writer, format string, value any, text func(*tabWriter)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(value)
	}

	tw := &tabWriter{w: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
	text(tw)

	return tw.w.Flush()
}
