package format

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// writeJSONArray emits a JSON array of rows in input order. Empty input
// yields exactly "[]".
func writeJSONArray(ctx context.Context, src RowSource, w *bufio.Writer, _ StreamOptions) error {
	if err := w.WriteByte('['); err != nil {
		return err
	}

	first := true
	for {
		row, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if !first {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		first = false

		b, err := marshalRow(row)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	return w.WriteByte(']')
}
