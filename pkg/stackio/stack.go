// Package stackio reads decoder inputs from disk and writes decoder outputs.
//
// Image stacks are read either from a JSON document or from a directory of
// single-plane images. JSON stacks may be compressed with zstd (.zst) or
// lz4 (.lz4).
package stackio

import (
	"fmt"
	"io"
	"os"

	gojson "github.com/goccy/go-json"

	"merfishdecode/internal/models"
)

// stackFile is the on-disk JSON layout of an image stack. Planes are in
// round-major, channel-minor order and each plane is flattened z, y, x.
type stackFile struct {
	Rounds   int         `json:"rounds"`
	Channels int         `json:"channels"`
	Depth    int         `json:"depth,omitempty"`
	Height   int         `json:"height"`
	Width    int         `json:"width"`
	Planes   [][]float64 `json:"planes"`
}

// ReadStack decodes a JSON image stack. Depth defaults to 1.
func ReadStack(r io.Reader) (*models.ImageStack, error) {
	var sf stackFile
	if err := gojson.NewDecoder(r).Decode(&sf); err != nil {
		return nil, fmt.Errorf("error parsing stack: %w", err)
	}
	if sf.Depth == 0 {
		sf.Depth = 1
	}
	s := &models.ImageStack{
		Rounds:   sf.Rounds,
		Channels: sf.Channels,
		Depth:    sf.Depth,
		Height:   sf.Height,
		Width:    sf.Width,
		Planes:   sf.Planes,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteStack encodes an image stack as JSON
func WriteStack(w io.Writer, s *models.ImageStack) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return gojson.NewEncoder(w).Encode(stackFile{
		Rounds:   s.Rounds,
		Channels: s.Channels,
		Depth:    s.Depth,
		Height:   s.Height,
		Width:    s.Width,
		Planes:   s.Planes,
	})
}

// LoadStack reads a stack from a JSON file (optionally compressed) or, when
// path is a directory, from its images. rounds and channels are only used
// for image directories; zero infers them from the file names.
func LoadStack(path string, rounds, channels int) (*models.ImageStack, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadImageDir(path, rounds, channels)
	}

	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := ReadStack(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// SaveStack writes a stack as JSON, compressed according to the file suffix
func SaveStack(path string, s *models.ImageStack) error {
	w, err := createFile(path)
	if err != nil {
		return err
	}
	if err := WriteStack(w, s); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
