package format

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// writeCSV emits a comma-separated stream. The header line is the first
// row's keys; a field is quoted iff it contains a comma, a double quote or a
// newline, with embedded quotes doubled. Lines terminate with LF.
//
// encoding/csv is deliberately not used: it also quotes leading-space fields,
// which would break byte-for-byte determinism against the contract here.
func writeCSV(ctx context.Context, src RowSource, w *bufio.Writer, _ StreamOptions) error {
	first, err := src.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	keys := headerKeys(first)
	if err := writeCSVLine(w, keys); err != nil {
		return err
	}

	row := first
	for {
		fields := make([]string, len(keys))
		for i, k := range keys {
			cell, err := csvCell(rowValue(row, k))
			if err != nil {
				return err
			}
			fields[i] = cell
		}
		if err := writeCSVLine(w, fields); err != nil {
			return err
		}

		row, err = src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func writeCSVLine(w *bufio.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(quoteCSV(f)); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}

func quoteCSV(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func csvCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	default:
		b, err := marshalCell(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
