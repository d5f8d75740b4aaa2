package order

import (
	"errors"
	"math/bits"
)

// ErrInvalidFeeRate signals a fee rate above 100%.
var ErrInvalidFeeRate = errors.New("order: fee rate exceeds 10000 basis points")

const feeDenominatorBP = 10000

// Fee computes floor(amount * rateBP / 10000). The product is carried in a
// 128-bit intermediate so no representable amount can overflow before the
// division narrows it back.
func Fee(amount, rateBP int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if rateBP < 0 || rateBP > feeDenominatorBP {
		return 0, ErrInvalidFeeRate
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(rateBP))
	quo, _ := bits.Div64(hi, lo, feeDenominatorBP)
	return int64(quo), nil
}
