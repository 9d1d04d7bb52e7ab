package format

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
)

// ErrDocumentRowLimitExceeded aborts paginated-document generation when the
// configured row cap is passed; the partial byte stream is destroyed.
var ErrDocumentRowLimitExceeded = errors.New("document row limit exceeded")

// writePDF emits a paginated document: a title page followed by one text
// line per row of the form "<index>. <JSON(row)>".
func writePDF(ctx context.Context, src RowSource, w *bufio.Writer, opts StreamOptions) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)

	var count int64
	for {
		row, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		count++
		if opts.DocumentMaxRows > 0 && count > opts.DocumentMaxRows {
			return fmt.Errorf("%w: more than %d rows", ErrDocumentRowLimitExceeded, opts.DocumentMaxRows)
		}

		b, err := marshalRow(row)
		if err != nil {
			return err
		}
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s", count, b), "", "L", false)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render document: %w", err)
	}
	return nil
}
