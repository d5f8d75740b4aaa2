package dispute

import (
	"errors"
	"time"
)

// Status is the dispute lifecycle; a resolved dispute is immutable.
type Status string

const (
	StatusOpened   Status = "opened"
	StatusResolved Status = "resolved"
)

// Ruling is the arbitrator's decision over the escrowed amount.
type Ruling string

const (
	RulingFavorBuyer  Ruling = "favor_buyer"
	RulingFavorSeller Ruling = "favor_seller"
	RulingSplit       Ruling = "split"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrDisputeExists   = errors.New("dispute: order already has a live dispute")
	ErrDisputeNotOpen  = errors.New("dispute: not open")
	ErrNotArbitrator   = errors.New("dispute: caller is not the arbitrator")
	ErrReasonTooLong   = errors.New("dispute: reason too long")
	ErrTooMuchEvidence = errors.New("dispute: too many evidence hashes")
	ErrBadEvidenceHash = errors.New("dispute: evidence hash must be 32 bytes")
	ErrInvalidRuling   = errors.New("dispute: invalid ruling")
)

// Bounds on dispute input.
const (
	MaxReasonLen    = 200
	MaxEvidence     = 10
	EvidenceHashLen = 32
)

// Record mirrors the disputes table, 1:1 with the order it contests.
type Record struct {
	ID             string
	OrderID        int64
	Plaintiff      string
	Defendant      string
	Arbitrator     string
	Reason         string
	EvidenceHashes [][]byte
	Status         Status
	Ruling         *Ruling
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

func validateInput(reason string, evidence [][]byte) error {
	if len(reason) > MaxReasonLen {
		return ErrReasonTooLong
	}
	if len(evidence) > MaxEvidence {
		return ErrTooMuchEvidence
	}
	for _, h := range evidence {
		if len(h) != EvidenceHashLen {
			return ErrBadEvidenceHash
		}
	}
	return nil
}

func validRuling(r Ruling) bool {
	switch r {
	case RulingFavorBuyer, RulingFavorSeller, RulingSplit:
		return true
	default:
		return false
	}
}
