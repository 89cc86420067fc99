package stackio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/codebook"
)

// ReadCodebook parses "gene,bits" rows. A first row whose bits column is not
// a barcode is treated as a header. Blank lines and lines starting with '#'
// are skipped.
func ReadCodebook(r io.Reader) ([]codebook.Entry, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	var entries []codebook.Entry
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("codebook: %w", err)
		}
		bc, err := codebook.ParseBarcode(rec[1])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("codebook line %d: %w", line, err)
		}
		entries = append(entries, codebook.Entry{Gene: strings.TrimSpace(rec[0]), Barcode: bc})
	}
	return entries, nil
}

// LoadCodebook reads and validates a codebook file
func LoadCodebook(path string, tolerance int) (*codebook.Codebook, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ReadCodebook(f)
	if err != nil {
		return nil, err
	}
	return codebook.New(entries, tolerance)
}

// ReadGroundTruth parses "gene,z,y,x" rows with a header line
func ReadGroundTruth(r io.Reader) ([]models.GroundTruthPoint, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ground truth: %w", err)
	}
	cols, err := columnIndex(header, "gene", "z", "y", "x")
	if err != nil {
		return nil, fmt.Errorf("ground truth: %w", err)
	}

	var points []models.GroundTruthPoint
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ground truth: %w", err)
		}
		var coord [3]float64
		for i := range coord {
			coord[i], err = strconv.ParseFloat(strings.TrimSpace(rec[cols[i+1]]), 64)
			if err != nil {
				return nil, fmt.Errorf("ground truth line %d: %w", line, err)
			}
		}
		points = append(points, models.GroundTruthPoint{
			Gene: strings.TrimSpace(rec[cols[0]]),
			Z:    coord[0],
			Y:    coord[1],
			X:    coord[2],
		})
	}
	return points, nil
}

// LoadGroundTruth reads a ground truth file
func LoadGroundTruth(path string) ([]models.GroundTruthPoint, error) {
	f, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGroundTruth(f)
}

// columnIndex locates the named columns in a header, case-insensitively
func columnIndex(header []string, names ...string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("missing column %q", n)
		}
		out[i] = p
	}
	return out, nil
}

// WriteCalls writes molecule calls as CSV with a header
func WriteCalls(w io.Writer, calls []models.MoleculeCall) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"gene", "z", "y", "x", "area", "confidence", "mean_magnitude"}); err != nil {
		return err
	}
	for _, c := range calls {
		if err := cw.Write([]string{
			c.Gene,
			formatFloat(c.Z),
			formatFloat(c.Y),
			formatFloat(c.X),
			strconv.Itoa(c.Area),
			formatFloat(c.Confidence),
			formatFloat(c.MeanMagnitude),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCalls writes molecule calls to a CSV file
func SaveCalls(path string, calls []models.MoleculeCall) error {
	w, err := createFile(path)
	if err != nil {
		return err
	}
	if err := WriteCalls(w, calls); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// SaveJSON writes v as indented JSON
func SaveJSON(path string, v any) error {
	data, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", path, err)
	}
	w, err := createFile(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
