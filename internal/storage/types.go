package storage

import "time"

// LedgerRecord is the persisted form of a user's accounting ledger.
type LedgerRecord struct {
	User        string    `json:"user"`
	SpentDay    int64     `json:"spent_day"`
	SpentWeek   int64     `json:"spent_week"`
	SpentMonth  int64     `json:"spent_month"`
	BalanceDay  int64     `json:"balance_day"`
	LastChecked time.Time `json:"last_checked"`
	SavedAt     time.Time `json:"saved_at"`
}
