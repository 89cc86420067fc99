package aggregate

import (
	"math"
	"sort"

	"merfishdecode/internal/models"
)

// FDRThreshold returns the lowest confidence at which the estimated false
// discovery rate of coding calls stays at or below target.
//
// Blank codewords are never expressed, so their call rate measures how often
// a random misidentification lands on a given codeword. At threshold c the
// expected number of false coding calls is the blank calls per blank
// codeword times the number of coding codewords, and the rate is that count
// over the coding calls with confidence >= c.
//
// blank is indexed by gene. The result is 0 when the codebook has no blank
// or no coding codewords and +Inf when no threshold meets the target.
func FDRThreshold(molecules []models.MoleculeCall, blank []bool, target float64) float64 {
	blankWords := 0
	for _, b := range blank {
		if b {
			blankWords++
		}
	}
	codingWords := len(blank) - blankWords
	if blankWords == 0 || codingWords == 0 {
		return 0
	}

	type scored struct {
		conf  float64
		blank bool
	}
	calls := make([]scored, len(molecules))
	for i, m := range molecules {
		calls[i] = scored{conf: m.Confidence, blank: isBlank(blank, m.GeneIndex)}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].conf > calls[j].conf })

	threshold := math.Inf(1)
	coding, blanks := 0, 0
	for i, c := range calls {
		if c.blank {
			blanks++
		} else {
			coding++
		}
		// evaluate once all calls sharing this confidence are counted
		if i+1 < len(calls) && calls[i+1].conf == c.conf {
			continue
		}
		if coding == 0 {
			continue
		}
		fdr := float64(blanks) / float64(blankWords) * float64(codingWords) / float64(coding)
		if fdr <= target {
			threshold = c.conf
		}
	}
	return threshold
}

func isBlank(blank []bool, gene int) bool {
	return gene >= 0 && gene < len(blank) && blank[gene]
}

// filterFDR drops blank calls and coding calls below the FDR threshold
func (a *Aggregator) filterFDR(molecules []models.MoleculeCall, stats *Stats) []models.MoleculeCall {
	threshold := FDRThreshold(molecules, a.blank, a.cfg.FDRTarget)
	stats.FDRThreshold = threshold

	kept := molecules[:0]
	for _, m := range molecules {
		switch {
		case isBlank(a.blank, m.GeneIndex):
			stats.RejectedBlank++
		case m.Confidence < threshold:
			stats.RejectedFDR++
		default:
			kept = append(kept, m)
		}
	}
	return kept
}
