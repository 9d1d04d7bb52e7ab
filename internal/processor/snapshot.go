package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/lorenzovborges/ReportSys/internal/format"
)

// ErrSnapshotSizeExceeded is returned when the NDJSON snapshot would grow
// past its configured byte cap. The partial file is destroyed.
var ErrSnapshotSizeExceeded = errors.New("snapshot size exceeded")

// SnapshotInfo describes a written snapshot file.
type SnapshotInfo struct {
	Path     string
	RowCount int64
	Bytes    int64
}

// SnapshotPath builds the per-job temp file name. The epoch and uuid parts
// keep retries of the same job from colliding.
func SnapshotPath(dir, jobID string) string {
	name := fmt.Sprintf("snapshot-%s-%d-%s.ndjson", jobID, time.Now().UnixMilli(), uuid.NewString())
	return filepath.Join(dir, name)
}

// WriteSnapshot drains the row source into an NDJSON file, one JSON object
// per LF-terminated line. The write aborts with ErrSnapshotSizeExceeded the
// moment cumulative bytes would pass maxBytes, and any failure removes the
// partial file.
func WriteSnapshot(ctx context.Context, src format.RowSource, path string, maxBytes int64, bufferBytes int) (*SnapshotInfo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}

	info, err := writeSnapshotRows(ctx, src, f, maxBytes, bufferBytes)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close snapshot file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	info.Path = path
	return info, nil
}

func writeSnapshotRows(ctx context.Context, src format.RowSource, w io.Writer, maxBytes int64, bufferBytes int) (*SnapshotInfo, error) {
	if bufferBytes <= 0 {
		bufferBytes = 64 * 1024
	}
	bw := bufio.NewWriterSize(w, bufferBytes)
	info := &SnapshotInfo{}

	for {
		row, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		var line []byte
		if len(row) == 0 {
			line = []byte("{}")
		} else {
			line, err = bson.MarshalExtJSON(row, false, false)
			if err != nil {
				return nil, fmt.Errorf("marshal snapshot row: %w", err)
			}
		}

		if maxBytes > 0 && info.Bytes+int64(len(line))+1 > maxBytes {
			return nil, ErrSnapshotSizeExceeded
		}
		if _, err := bw.Write(line); err != nil {
			return nil, fmt.Errorf("write snapshot row: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return nil, fmt.Errorf("write snapshot row: %w", err)
		}
		info.Bytes += int64(len(line)) + 1
		info.RowCount++
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}
	return info, nil
}

// SnapshotRows opens a lazy reader over a snapshot file. Lines are parsed
// one at a time; empty lines are skipped.
func SnapshotRows(path string, bufferBytes int) (format.RowSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot file: %w", err)
	}
	if bufferBytes <= 0 {
		bufferBytes = 64 * 1024
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, bufferBytes), 16*1024*1024)
	return &snapshotSource{file: f, scanner: sc}, nil
}

type snapshotSource struct {
	file    *os.File
	scanner *bufio.Scanner
}

func (s *snapshotSource) Next(ctx context.Context) (format.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var row bson.D
		if err := bson.UnmarshalExtJSON([]byte(line), false, &row); err != nil {
			return nil, fmt.Errorf("parse snapshot row: %w", err)
		}
		return row, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	return nil, io.EOF
}

func (s *snapshotSource) Close(ctx context.Context) error {
	return s.file.Close()
}
