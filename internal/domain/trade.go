package domain

import "time"

// CompletedTrade is the trade-history row written when a position is fully
// closed.
type CompletedTrade struct {
	ID         int64
	UserID     string
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	ExitPrice  float64
	DCACount   int
	TPState    int
	Reason     string
	IsHedge    bool
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// TradingStatus is the user's trading switch.
type TradingStatus string

const (
	StatusRunning TradingStatus = "running"
	StatusStopped TradingStatus = "stopped"
)
