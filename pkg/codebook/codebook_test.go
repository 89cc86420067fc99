package codebook

import (
	"errors"
	"fmt"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// greedyCode builds a deterministic constant-weight code with the given
// minimum distance by scanning words in increasing order
func greedyCode(nbits, weight, minDist int) []Entry {
	var words []uint64
	for w := uint64(0); w < 1<<uint(nbits); w++ {
		if bits.OnesCount64(w) != weight {
			continue
		}
		ok := true
		for _, other := range words {
			if Distance(w, other) < minDist {
				ok = false
				break
			}
		}
		if ok {
			words = append(words, w)
		}
	}
	entries := make([]Entry, len(words))
	for i, w := range words {
		bc := make([]bool, nbits)
		for b := range bc {
			bc[b] = w&(1<<uint(b)) != 0
		}
		entries[i] = Entry{Gene: fmt.Sprintf("gene%03d", i), Barcode: bc}
	}
	return entries
}

func mustParse(t *testing.T, s string) []bool {
	t.Helper()
	b, err := ParseBarcode(s)
	require.NoError(t, err)
	return b
}

func TestParseBarcode(t *testing.T) {
	b := mustParse(t, "10110110")
	assert.Equal(t, []bool{true, false, true, true, false, true, true, false}, b)
	assert.Equal(t, uint64(0b01101101), Pack(b))

	_, err := ParseBarcode("10x1")
	var cbErr *CodebookInvalidError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, ReasonMalformedBarcode, cbErr.Reason)
}

func TestNewRejectsInvalidCodebooks(t *testing.T) {
	testCases := []struct {
		name      string
		entries   []Entry
		tolerance int
		reason    Reason
	}{
		{"empty", nil, 0, ReasonEmpty},
		{"length mismatch", []Entry{
			{"A", mustParse(t, "1100")},
			{"B", mustParse(t, "110")},
		}, 0, ReasonLengthMismatch},
		{"duplicate gene", []Entry{
			{"A", mustParse(t, "1100")},
			{"A", mustParse(t, "0011")},
		}, 0, ReasonDuplicateGene},
		{"duplicate barcode", []Entry{
			{"A", mustParse(t, "1100")},
			{"B", mustParse(t, "1100")},
		}, 0, ReasonDuplicateBarcode},
		{"ambiguous under tolerance", []Entry{
			{"A", mustParse(t, "1100")},
			{"B", mustParse(t, "1110")},
		}, 1, ReasonAmbiguous},
		{"too long", []Entry{{"A", make([]bool, 65)}}, 0, ReasonTooLong},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.entries, tc.tolerance)
			var cbErr *CodebookInvalidError
			require.True(t, errors.As(err, &cbErr), "expected CodebookInvalidError, got %v", err)
			assert.Equal(t, tc.reason, cbErr.Reason)
			assert.Contains(t, err.Error(), tc.reason.String())
		})
	}
}

func TestAccessors(t *testing.T) {
	cb, err := New([]Entry{
		{"G1", mustParse(t, "10110110")},
		{"G2", mustParse(t, "01101101")},
		{"G3", mustParse(t, "11000011")},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, 3, cb.Len())
	assert.Equal(t, 8, cb.NumBits())
	assert.Equal(t, 1, cb.Tolerance())
	assert.Equal(t, "G2", cb.Gene(1))
	assert.Equal(t, []string{"G1", "G2", "G3"}, cb.Genes())
	assert.Equal(t, mustParse(t, "11000011"), cb.Barcode(2))
	assert.Equal(t, 5, cb.Weight(0))

	g, ok := cb.Index("G3")
	assert.True(t, ok)
	assert.Equal(t, 2, g)

	_, constant := cb.ConstantWeight()
	assert.False(t, constant)
	assert.True(t, cb.UsesTable())
}

// TestCorrectsUpToTolerance checks that a code with minimum distance 2t+1
// recovers every barcode corrupted by at most t flips, and that words beyond
// tolerance of every codeword do not match
func TestCorrectsUpToTolerance(t *testing.T) {
	const nbits = 12
	entries := greedyCode(nbits, 4, 5)
	require.Greater(t, len(entries), 4)

	cb, err := New(entries, 2)
	require.NoError(t, err)
	require.True(t, cb.Correctable())
	require.GreaterOrEqual(t, cb.MinDistance(), 5)
	require.True(t, cb.UsesTable())

	for g := 0; g < cb.Len(); g++ {
		w := cb.Word(g)
		m, ok := cb.Nearest(w)
		require.True(t, ok)
		assert.Equal(t, Match{Gene: g, Distance: 0}, m)

		for i := 0; i < nbits; i++ {
			wi := w ^ (1 << uint(i))
			m, ok := cb.Nearest(wi)
			require.True(t, ok, "gene %d single flip %d", g, i)
			assert.Equal(t, Match{Gene: g, Distance: 1}, m)

			for j := i + 1; j < nbits; j++ {
				m, ok := cb.Nearest(wi ^ (1 << uint(j)))
				require.True(t, ok, "gene %d double flip %d,%d", g, i, j)
				assert.Equal(t, Match{Gene: g, Distance: 2}, m)
			}
		}
	}

	// every word in the space: match iff some codeword is within tolerance
	for w := uint64(0); w < 1<<nbits; w++ {
		within := false
		for g := 0; g < cb.Len(); g++ {
			if Distance(w, cb.Word(g)) <= 2 {
				within = true
			}
		}
		_, ok := cb.Nearest(w)
		assert.Equal(t, within, ok, "word %012b", w)
	}
}

func TestTableAgreesWithScan(t *testing.T) {
	entries := greedyCode(10, 4, 4)
	cb, err := New(entries, 1)
	require.NoError(t, err)
	require.True(t, cb.UsesTable())

	for w := uint64(0); w < 1<<10; w++ {
		mt, okt := cb.Nearest(w)
		ms, oks := cb.scan(w)
		require.Equal(t, oks, okt, "word %010b", w)
		if okt {
			assert.Equal(t, ms, mt)
		}
	}
}

func TestEquidistantWordIsAmbiguous(t *testing.T) {
	// distance 2 code with tolerance 1: the word between the two codewords
	// is one flip from each and must not match either
	cb, err := New([]Entry{
		{"A", mustParse(t, "1100")},
		{"B", mustParse(t, "1010")},
	}, 1)
	require.NoError(t, err)
	assert.False(t, cb.Correctable())

	_, ok := cb.NearestBits(mustParse(t, "1000"))
	assert.False(t, ok)

	m, ok := cb.NearestBits(mustParse(t, "1101"))
	require.True(t, ok)
	assert.Equal(t, 0, m.Gene)
}

func TestLargeToleranceUsesScan(t *testing.T) {
	entries := greedyCode(14, 7, 7)
	require.GreaterOrEqual(t, len(entries), 2)

	cb, err := New(entries, 3)
	require.NoError(t, err)
	assert.False(t, cb.UsesTable())

	w := cb.Word(1) ^ 0b111
	m, ok := cb.Nearest(w)
	require.True(t, ok)
	assert.Equal(t, Match{Gene: 1, Distance: 3}, m)
}

func TestConfusable(t *testing.T) {
	cb, err := New([]Entry{
		{"A", mustParse(t, "111000")},
		{"B", mustParse(t, "110100")},
		{"C", mustParse(t, "000111")},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, cb.Confusable(0))
	assert.Equal(t, []int{0}, cb.Confusable(1))
	assert.Equal(t, []int{1}, cb.Confusable(2))
	assert.Equal(t, 2, cb.MinDistance())
}

func TestNearestBitsPanicsOnWrongLength(t *testing.T) {
	cb, err := New([]Entry{{"A", mustParse(t, "1010")}}, 0)
	require.NoError(t, err)
	assert.Panics(t, func() { cb.NearestBits([]bool{true}) })
}
