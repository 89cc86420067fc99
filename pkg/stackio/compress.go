package stackio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression suffixes recognised on stack files
const (
	extZstd = ".zst"
	extLZ4  = ".lz4"
)

// stripCompression returns the path without a compression suffix and the
// suffix found, if any
func stripCompression(path string) (string, string) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case extZstd, extLZ4:
		return strings.TrimSuffix(path, filepath.Ext(path)), ext
	}
	return path, ""
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

type writeCloser struct {
	io.Writer
	close func() error
}

func (w writeCloser) Close() error { return w.close() }

// openFile opens path for reading, transparently decompressing .zst and
// .lz4 files
func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	_, ext := stripCompression(path)
	switch ext {
	case extZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return readCloser{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil
	case extLZ4:
		return readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
	}
	return f, nil
}

// createFile creates path for writing, compressing according to its suffix.
// Close flushes the compressor before closing the file.
func createFile(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	_, ext := stripCompression(path)
	switch ext {
	case extZstd:
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return writeCloser{Writer: enc, close: func() error {
			if err := enc.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}}, nil
	case extLZ4:
		zw := lz4.NewWriter(f)
		return writeCloser{Writer: zw, close: func() error {
			if err := zw.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}}, nil
	}
	return f, nil
}
