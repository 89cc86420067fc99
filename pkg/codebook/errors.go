package codebook

import "fmt"

// Reason classifies why a codebook failed validation
type Reason int

const (
	ReasonEmpty Reason = iota
	ReasonLengthMismatch
	ReasonTooLong
	ReasonMalformedBarcode
	ReasonDuplicateGene
	ReasonDuplicateBarcode
	ReasonAmbiguous
)

func (r Reason) String() string {
	switch r {
	case ReasonEmpty:
		return "empty"
	case ReasonLengthMismatch:
		return "length mismatch"
	case ReasonTooLong:
		return "barcode too long"
	case ReasonMalformedBarcode:
		return "malformed barcode"
	case ReasonDuplicateGene:
		return "duplicate gene"
	case ReasonDuplicateBarcode:
		return "duplicate barcode"
	case ReasonAmbiguous:
		return "ambiguous under tolerance"
	default:
		return "unknown"
	}
}

// CodebookInvalidError is returned when a codebook cannot be constructed.
// It is fatal: decoding never starts with an invalid codebook.
type CodebookInvalidError struct {
	Reason Reason
	Gene   string
	Other  string
	Detail string
}

func (e *CodebookInvalidError) Error() string {
	msg := "codebook invalid: " + e.Reason.String()
	if e.Gene != "" {
		msg += fmt.Sprintf(" (gene %q", e.Gene)
		if e.Other != "" {
			msg += fmt.Sprintf(" vs %q", e.Other)
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
