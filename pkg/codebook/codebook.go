// Package codebook implements the immutable gene-to-barcode table used by the
// barcode matcher.
//
// Barcodes are packed into uint64 words, bit i holding the state of plane i
// (round-major, channel-minor). Nearest-barcode queries within the error
// tolerance t are answered from a precomputed table holding every codeword
// and every word within t bit flips of it, so matching costs one hash lookup
// when t is small. Larger tolerances fall back to a linear scan.
package codebook

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// MaxBits is the longest barcode that fits the packed representation
const MaxBits = 64

const (
	// maxTableTolerance is the largest tolerance served by the lookup table
	maxTableTolerance = 2

	// maxTableEntries caps the lookup table size; beyond it lookups scan
	maxTableEntries = 1 << 22
)

// Entry is one row of a codebook definition
type Entry struct {
	Gene    string
	Barcode []bool
}

// Match is the result of a nearest-barcode query
type Match struct {
	// Gene is the codebook index of the matched gene
	Gene int

	// Distance is the Hamming distance to the matched barcode
	Distance int
}

// tableEntry records the best gene for a word in the lookup table
type tableEntry struct {
	gene      int32
	distance  int8
	ambiguous bool
}

// Codebook maps gene identifiers to fixed-length binary barcodes.
// It is read-only after construction and safe for concurrent use.
type Codebook struct {
	genes     []string
	words     []uint64
	index     map[string]int
	numBits   int
	tolerance int

	// minDistance is the minimum pairwise Hamming distance
	minDistance int

	// nearest[g] is the distance from g to its closest other codeword and
	// confusable[g] lists the codewords at that distance
	nearest    []int
	confusable [][]int

	// table is nil when lookups use the linear scan
	table map[uint64]tableEntry
}

// ParseBarcode converts a string of '0' and '1' characters into a barcode
func ParseBarcode(s string) ([]bool, error) {
	s = strings.TrimSpace(s)
	out := make([]bool, len(s))
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			out[i] = true
		default:
			return nil, &CodebookInvalidError{
				Reason: ReasonMalformedBarcode,
				Detail: fmt.Sprintf("unexpected character %q in %q", c, s),
			}
		}
	}
	return out, nil
}

// Pack converts a bit slice into the packed word representation
func Pack(barcode []bool) uint64 {
	var w uint64
	for i, on := range barcode {
		if on {
			w |= 1 << uint(i)
		}
	}
	return w
}

// Distance returns the Hamming distance between two packed words
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// New validates entries and builds the lookup structure.
//
// The minimum pairwise Hamming distance must be at least tolerance+1, so a
// word within tolerance of one codeword is never a codeword itself. Words
// equidistant from two codewords are treated as ambiguous and never match.
// Exact recovery of every corrupted barcode needs 2*tolerance+1; see
// Correctable.
func New(entries []Entry, tolerance int) (*Codebook, error) {
	if len(entries) == 0 {
		return nil, &CodebookInvalidError{Reason: ReasonEmpty, Detail: "no entries"}
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("codebook: tolerance must be >= 0, got %d", tolerance)
	}

	n := len(entries[0].Barcode)
	if n == 0 {
		return nil, &CodebookInvalidError{Reason: ReasonEmpty, Gene: entries[0].Gene, Detail: "zero-length barcode"}
	}
	if n > MaxBits {
		return nil, &CodebookInvalidError{
			Reason: ReasonTooLong,
			Detail: fmt.Sprintf("%d bits exceeds %d", n, MaxBits),
		}
	}

	cb := &Codebook{
		genes:     make([]string, len(entries)),
		words:     make([]uint64, len(entries)),
		index:     make(map[string]int, len(entries)),
		numBits:   n,
		tolerance: tolerance,
	}

	seenWord := make(map[uint64]int, len(entries))
	for i, e := range entries {
		if len(e.Barcode) != n {
			return nil, &CodebookInvalidError{
				Reason: ReasonLengthMismatch,
				Gene:   e.Gene,
				Detail: fmt.Sprintf("expected %d bits, got %d", n, len(e.Barcode)),
			}
		}
		if _, dup := cb.index[e.Gene]; dup {
			return nil, &CodebookInvalidError{Reason: ReasonDuplicateGene, Gene: e.Gene}
		}
		w := Pack(e.Barcode)
		if j, dup := seenWord[w]; dup {
			return nil, &CodebookInvalidError{
				Reason: ReasonDuplicateBarcode,
				Gene:   e.Gene,
				Other:  entries[j].Gene,
			}
		}
		seenWord[w] = i
		cb.index[e.Gene] = i
		cb.genes[i] = e.Gene
		cb.words[i] = w
	}

	if err := cb.computeDistances(); err != nil {
		return nil, err
	}

	if tolerance <= maxTableTolerance && len(entries)*neighborhoodSize(n, tolerance) <= maxTableEntries {
		cb.buildTable()
	}

	return cb, nil
}

// computeDistances fills minDistance, nearest and confusable and enforces
// the minimum-distance invariant
func (cb *Codebook) computeDistances() error {
	count := len(cb.words)
	cb.nearest = make([]int, count)
	cb.confusable = make([][]int, count)
	cb.minDistance = cb.numBits + 1

	for i := range cb.nearest {
		cb.nearest[i] = cb.numBits + 1
	}

	for i := 0; i < count; i++ {
		for j := i + 1; j < count; j++ {
			d := Distance(cb.words[i], cb.words[j])
			if d <= cb.tolerance {
				return &CodebookInvalidError{
					Reason: ReasonAmbiguous,
					Gene:   cb.genes[i],
					Other:  cb.genes[j],
					Detail: fmt.Sprintf("distance %d <= tolerance %d", d, cb.tolerance),
				}
			}
			if d < cb.minDistance {
				cb.minDistance = d
			}
			cb.recordNeighbor(i, j, d)
			cb.recordNeighbor(j, i, d)
		}
	}
	return nil
}

func (cb *Codebook) recordNeighbor(g, other, d int) {
	switch {
	case d < cb.nearest[g]:
		cb.nearest[g] = d
		cb.confusable[g] = append(cb.confusable[g][:0], other)
	case d == cb.nearest[g]:
		cb.confusable[g] = append(cb.confusable[g], other)
	}
}

// neighborhoodSize returns the number of words within t flips of a word
func neighborhoodSize(n, t int) int {
	total := 1
	c := 1
	for k := 1; k <= t; k++ {
		c = c * (n - k + 1) / k
		total += c
	}
	return total
}

// buildTable inserts every codeword and every word within tolerance flips
func (cb *Codebook) buildTable() {
	cb.table = make(map[uint64]tableEntry, len(cb.words)*neighborhoodSize(cb.numBits, cb.tolerance))
	for g, w := range cb.words {
		cb.insert(w, g, 0)
		if cb.tolerance < 1 {
			continue
		}
		for i := 0; i < cb.numBits; i++ {
			wi := w ^ (1 << uint(i))
			cb.insert(wi, g, 1)
			if cb.tolerance < 2 {
				continue
			}
			for j := i + 1; j < cb.numBits; j++ {
				cb.insert(wi^(1<<uint(j)), g, 2)
			}
		}
	}
}

func (cb *Codebook) insert(w uint64, g, d int) {
	cur, ok := cb.table[w]
	switch {
	case !ok || d < int(cur.distance):
		cb.table[w] = tableEntry{gene: int32(g), distance: int8(d)}
	case d == int(cur.distance) && int(cur.gene) != g:
		cur.ambiguous = true
		cb.table[w] = cur
	}
}

// Nearest returns the best-matching gene for a packed word if its distance
// is within tolerance and no other codeword is equally close. ok is false
// for "no match".
func (cb *Codebook) Nearest(w uint64) (Match, bool) {
	if cb.table != nil {
		e, ok := cb.table[w]
		if !ok || e.ambiguous {
			return Match{Gene: -1}, false
		}
		return Match{Gene: int(e.gene), Distance: int(e.distance)}, true
	}
	return cb.scan(w)
}

// scan is the linear fallback used for large tolerances
func (cb *Codebook) scan(w uint64) (Match, bool) {
	best, bestDist, tie := -1, cb.numBits+1, false
	for g, cw := range cb.words {
		d := Distance(w, cw)
		switch {
		case d < bestDist:
			best, bestDist, tie = g, d, false
		case d == bestDist:
			tie = true
		}
	}
	if best < 0 || tie || bestDist > cb.tolerance {
		return Match{Gene: -1}, false
	}
	return Match{Gene: best, Distance: bestDist}, true
}

// NearestBits is Nearest for an unpacked bit slice. It panics if the slice
// length differs from NumBits.
func (cb *Codebook) NearestBits(b []bool) (Match, bool) {
	if len(b) != cb.numBits {
		panic(fmt.Sprintf("codebook: query has %d bits, codebook has %d", len(b), cb.numBits))
	}
	return cb.Nearest(Pack(b))
}

// Len returns the number of genes
func (cb *Codebook) Len() int { return len(cb.genes) }

// NumBits returns the barcode length
func (cb *Codebook) NumBits() int { return cb.numBits }

// Tolerance returns the configured error tolerance in bits
func (cb *Codebook) Tolerance() int { return cb.tolerance }

// MinDistance returns the minimum pairwise Hamming distance. For a single
// entry codebook it is NumBits+1.
func (cb *Codebook) MinDistance() int { return cb.minDistance }

// Correctable reports whether every barcode corrupted by up to Tolerance
// flips is recovered exactly (minimum distance >= 2t+1)
func (cb *Codebook) Correctable() bool {
	return cb.minDistance >= 2*cb.tolerance+1
}

// UsesTable reports whether lookups are served by the precomputed table
func (cb *Codebook) UsesTable() bool { return cb.table != nil }

// Gene returns the identifier of gene g
func (cb *Codebook) Gene(g int) string { return cb.genes[g] }

// Genes returns a copy of all gene identifiers in codebook order
func (cb *Codebook) Genes() []string {
	out := make([]string, len(cb.genes))
	copy(out, cb.genes)
	return out
}

// Index returns the codebook index of a gene identifier
func (cb *Codebook) Index(gene string) (int, bool) {
	g, ok := cb.index[gene]
	return g, ok
}

// Word returns the packed barcode of gene g
func (cb *Codebook) Word(g int) uint64 { return cb.words[g] }

// Barcode returns the unpacked barcode of gene g
func (cb *Codebook) Barcode(g int) []bool {
	out := make([]bool, cb.numBits)
	for i := range out {
		out[i] = cb.words[g]&(1<<uint(i)) != 0
	}
	return out
}

// Weight returns the number of on bits in gene g's barcode
func (cb *Codebook) Weight(g int) int { return bits.OnesCount64(cb.words[g]) }

// ConstantWeight returns the shared on-bit count when every barcode has the
// same weight
func (cb *Codebook) ConstantWeight() (int, bool) {
	w := cb.Weight(0)
	for g := 1; g < len(cb.words); g++ {
		if cb.Weight(g) != w {
			return 0, false
		}
	}
	return w, true
}

// Confusable returns the codewords closest to gene g, in ascending index
// order. The matcher uses them as next-best candidates.
func (cb *Codebook) Confusable(g int) []int {
	out := make([]int, len(cb.confusable[g]))
	copy(out, cb.confusable[g])
	sort.Ints(out)
	return out
}
