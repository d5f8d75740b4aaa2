package profile

import "time"

// Profile mirrors the user_profiles table. One row per participant, created
// lazily on first order or first take and never destroyed.
type Profile struct {
	UserID          string
	Username        *string
	KYCLevel        int16
	Reputation      uint32
	TotalOrders     int64
	TotalTrades     int64
	CompletedTrades int64
	CancelledTrades int64
	DisputedTrades  int64
	CompletionRate  int64
	IsVerified      bool
	IsBanned        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Level maps the profile's reputation score to its display band.
func (p *Profile) Level() uint8 {
	return Level(p.Reputation)
}
