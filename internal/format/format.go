// Package format turns a lazy row stream into a byte stream in one of the
// supported output formats. The row sequence is consumed exactly once, in
// order; the output schema is derived from the first row's key ordering.
package format

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// Row is an ordered document of normalized scalars. Ordering matters: the
// first row defines the header and the byte stream must be deterministic.
type Row = bson.D

// RowSource is a lazy, single-consumer row iterator. Next returns io.EOF
// when the sequence is exhausted.
type RowSource interface {
	Next(ctx context.Context) (Row, error)
	Close(ctx context.Context) error
}

// StreamOptions tunes the byte-level pipeline.
type StreamOptions struct {
	// BufferBytes sizes the write buffer between the generator and the pipe.
	BufferBytes int
	// DocumentMaxRows caps the paginated-document format; zero means no cap.
	DocumentMaxRows int64
}

func (o StreamOptions) bufferSize() int {
	if o.BufferBytes > 0 {
		return o.BufferBytes
	}
	return 64 * 1024
}

// Stream is a single-consumer byte stream plus its content metadata.
// Generator errors surface on Body.Read.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	Extension   string
}

// ContentTypeFor returns the MIME type for a single-file format.
func ContentTypeFor(f model.Format) string {
	switch f {
	case model.FormatCSV:
		return "text/csv"
	case model.FormatJSON:
		return "application/json"
	case model.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case model.FormatPDF:
		return "application/pdf"
	case model.FormatZip:
		return "application/zip"
	}
	return "application/octet-stream"
}

// Open starts the generator for a single-file format. The archive format is
// assembled from entry streams via OpenArchive instead.
func Open(ctx context.Context, f model.Format, src RowSource, opts StreamOptions) (*Stream, error) {
	switch f {
	case model.FormatCSV:
		return openPipe(ctx, src, opts, "text/csv", "csv", writeCSV), nil
	case model.FormatJSON:
		return openPipe(ctx, src, opts, "application/json", "json", writeJSONArray), nil
	case model.FormatXLSX:
		return openPipe(ctx, src, opts, ContentTypeFor(model.FormatXLSX), "xlsx", writeXLSX), nil
	case model.FormatPDF:
		return openPipe(ctx, src, opts, "application/pdf", "pdf", writePDF), nil
	default:
		return nil, fmt.Errorf("unsupported single-file format %q", f)
	}
}

type writeFunc func(ctx context.Context, src RowSource, w *bufio.Writer, opts StreamOptions) error

// openPipe runs the writer in a goroutine feeding an io.Pipe, so the caller
// reads the output incrementally while the source is still being consumed.
func openPipe(ctx context.Context, src RowSource, opts StreamOptions, contentType, ext string, write writeFunc) *Stream {
	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriterSize(pw, opts.bufferSize())
		err := write(ctx, src, bw, opts)
		if cerr := src.Close(ctx); err == nil {
			err = cerr
		}
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()
	return &Stream{Body: pr, ContentType: contentType, Extension: ext}
}

// headerKeys returns the key list of the first row, which fixes the output
// schema for every subsequent row.
func headerKeys(row Row) []string {
	keys := make([]string, len(row))
	for i, e := range row {
		keys[i] = e.Key
	}
	return keys
}

// rowValue looks a field up by key; rows with key sets different from the
// first row's substitute missing values as nil.
func rowValue(row Row, key string) any {
	for _, e := range row {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// marshalRow serializes a row as JSON with the row's key order preserved.
func marshalRow(row Row) ([]byte, error) {
	if len(row) == 0 {
		return []byte("{}"), nil
	}
	return bson.MarshalExtJSON(row, false, false)
}

// marshalCell serializes one non-string cell value.
func marshalCell(v any) ([]byte, error) {
	switch t := v.(type) {
	case bson.D:
		return bson.MarshalExtJSON(t, false, false)
	case time.Time:
		return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	default:
		return json.Marshal(v)
	}
}

// SliceSource adapts an in-memory row slice (reduce output, tests) to the
// RowSource interface.
type SliceSource struct {
	rows []Row
	i    int
}

// NewSliceSource wraps rows in a RowSource.
func NewSliceSource(rows []Row) *SliceSource {
	return &SliceSource{rows: rows}
}

// Next implements RowSource.
func (s *SliceSource) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.i]
	s.i++
	return row, nil
}

// Close implements RowSource.
func (s *SliceSource) Close(context.Context) error { return nil }
