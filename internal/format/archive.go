package format

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// ArchiveEntry is one named byte stream to append to an archive.
type ArchiveEntry struct {
	Name string
	Body io.ReadCloser
}

// OpenArchive concatenates the entries into a ZIP archive produced
// streamingly: each entry's bytes are appended as they arrive. An error on
// any input stream propagates and destroys the archive output.
func OpenArchive(ctx context.Context, entries []ArchiveEntry, opts StreamOptions) *Stream {
	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriterSize(pw, opts.bufferSize())
		err := writeArchive(ctx, entries, bw)
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()
	return &Stream{Body: pr, ContentType: "application/zip", Extension: "zip"}
}

func writeArchive(ctx context.Context, entries []ArchiveEntry, w io.Writer) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	// Entries past a failure still need their streams released.
	closeFrom := func(i int) {
		for ; i < len(entries); i++ {
			entries[i].Body.Close()
		}
	}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			closeFrom(i)
			return err
		}
		ew, err := zw.Create(e.Name)
		if err != nil {
			closeFrom(i)
			return fmt.Errorf("create archive entry %q: %w", e.Name, err)
		}
		if _, err := io.Copy(ew, e.Body); err != nil {
			closeFrom(i)
			return fmt.Errorf("write archive entry %q: %w", e.Name, err)
		}
		e.Body.Close()
	}

	return zw.Close()
}

// SingleEntryArchive wraps an already-open single-format stream as a
// one-entry ZIP archive, for jobs requesting zip compression of a
// non-archive format.
func SingleEntryArchive(ctx context.Context, inner *Stream, opts StreamOptions) *Stream {
	name := "report." + inner.Extension
	return OpenArchive(ctx, []ArchiveEntry{{Name: name, Body: inner.Body}}, opts)
}
