package platform

import "time"

// MaxFeeRateBP bounds fee rates; 10000 basis points is 100%.
const MaxFeeRateBP = 10000

// Config is the singleton platform record. It gates every mutating trade
// operation via the pause flag and supplies fee rates and the default
// arbitrator identity.
type Config struct {
	Authority     string
	PlatformFeeBP int64
	DisputeFeeBP  int64
	TotalOrders   int64
	TotalVolume   int64
	Paused        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
