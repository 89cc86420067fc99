package vectorize

import "fmt"

// Refine re-estimates the per-plane scales and offsets from pixels whose
// barcode is known, typically the pixels called by a previous decode.
//
// For plane b the offset becomes the median raw value of the pixels whose
// barcode has bit b off, and the scale the median raw value of the pixels
// with bit b on, less the new offset. A plane without samples for either
// side, or whose refined scale is not above Epsilon, keeps its current
// value. barcodes[i] belongs to pixels[i].
func (v *Vectorizer) Refine(pixels []int, barcodes [][]bool) (scales, offsets []float64, err error) {
	if len(pixels) != len(barcodes) {
		return nil, nil, fmt.Errorf("refine: %d pixels but %d barcodes", len(pixels), len(barcodes))
	}
	nbits := v.NumBits()
	on := make([][]float64, nbits)
	off := make([][]float64, nbits)
	for i, idx := range pixels {
		bc := barcodes[i]
		if len(bc) != nbits {
			return nil, nil, fmt.Errorf("refine: barcode %d has %d bits, want %d", i, len(bc), nbits)
		}
		for b, plane := range v.stack.Planes {
			if bc[b] {
				on[b] = append(on[b], plane[idx])
			} else {
				off[b] = append(off[b], plane[idx])
			}
		}
	}

	scales = v.Scales()
	offsets = v.Offsets()
	for b := 0; b < nbits; b++ {
		if len(off[b]) > 0 {
			offsets[b] = median(off[b])
		}
		if len(on[b]) == 0 {
			continue
		}
		if s := median(on[b]) - offsets[b]; s > v.cfg.Epsilon {
			scales[b] = s
		}
	}
	return scales, offsets, nil
}
