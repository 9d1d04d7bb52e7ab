package format

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// writeXLSX emits a workbook with a single worksheet. Rows are appended
// through excelize's stream writer, which spills to disk instead of holding
// the whole workbook in memory.
func writeXLSX(ctx context.Context, src RowSource, w *bufio.Writer, _ StreamOptions) error {
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter("Sheet1")
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	first, err := src.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if err == nil {
		keys := headerKeys(first)
		header := make([]interface{}, len(keys))
		for i, k := range keys {
			header[i] = k
		}
		if err := sw.SetRow("A1", header); err != nil {
			return fmt.Errorf("write header row: %w", err)
		}

		row := first
		line := 2
		for {
			cells := make([]interface{}, len(keys))
			for i, k := range keys {
				cells[i] = xlsxCell(rowValue(row, k))
			}
			anchor, err := excelize.CoordinatesToCellName(1, line)
			if err != nil {
				return err
			}
			if err := sw.SetRow(anchor, cells); err != nil {
				return fmt.Errorf("write row %d: %w", line, err)
			}
			line++

			row, err = src.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return err
			}
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush worksheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// xlsxCell maps a normalized value to a cell value excelize accepts.
func xlsxCell(v any) interface{} {
	switch t := v.(type) {
	case nil:
		return ""
	case string, bool, int, int32, int64, float32, float64:
		return t
	default:
		b, err := marshalCell(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
