package domain

import "time"

// Broadcast reports a payment seen on a network but not yet included.
type Broadcast struct {
	Network     string
	Destination string
	Amount      TokenAmount
	ExternalRef string
	SeenAt      time.Time
}

// Mined reports a payment included in a block (or acknowledged by a
// channel node) with its confirmation depth at the time of the report.
type Mined struct {
	Network     string
	Destination string
	Amount      TokenAmount
	ExternalRef string
	BlockRef    string
	BlockNumber int64
	Depth       int64
	MinedAt     time.Time
}

// Head is the block height that Mined implies for its network.
func (m Mined) Head() int64 {
	if m.BlockNumber <= 0 {
		return 0
	}
	return m.BlockNumber + m.Depth
}

// Block reports a new block on a chain.
type Block struct {
	Network string
	Number  int64
	Ref     string
	At      time.Time
}
