package dispute

import (
	"escrowflow/escrow"
	"escrowflow/ledger"
)

// SettlementPayouts maps a ruling onto the custody disposition. FavorBuyer
// sends the full amount to the buyer, FavorSeller returns it all to the
// seller, and Split halves it with floor division; the odd remainder goes
// to the platform fee account so the custody always drains to zero.
func SettlementPayouts(ruling Ruling, amount int64, buyer, seller string) ([]escrow.Payout, error) {
	switch ruling {
	case RulingFavorBuyer:
		return []escrow.Payout{{Owner: buyer, Amount: amount}}, nil
	case RulingFavorSeller:
		return []escrow.Payout{{Owner: seller, Amount: amount}}, nil
	case RulingSplit:
		half := amount / 2
		return []escrow.Payout{
			{Owner: buyer, Amount: half},
			{Owner: seller, Amount: half},
			{Owner: ledger.PlatformOwner, Amount: amount - 2*half},
		}, nil
	default:
		return nil, ErrInvalidRuling
	}
}
