// internal/state/credit.go
package state

import "time"

// CreditScore is a bounded per-user scalar.
type CreditScore struct {
	UserID    string
	Score     int
	Version   int64
	UpdatedAt time.Time
}
