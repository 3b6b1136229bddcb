package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kquota/internal/storage"
)

// parseLedgerRecord converts a Redis hash to LedgerRecord
func parseLedgerRecord(data map[string]string) (*storage.LedgerRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	fields := []string{"spent_day", "spent_week", "spent_month", "balance_day"}
	values := make([]int64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseInt(data[field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", storage.ErrCorrupt, field, err)
		}
		values[i] = v
	}

	lastChecked, err := time.Parse(time.RFC3339Nano, data["last_checked"])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse last_checked: %v", storage.ErrCorrupt, err)
	}

	var savedAt time.Time
	if raw, ok := data["saved_at"]; ok && raw != "" {
		savedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse saved_at: %v", storage.ErrCorrupt, err)
		}
	}

	return &storage.LedgerRecord{
		User:        data["user"],
		SpentDay:    values[0],
		SpentWeek:   values[1],
		SpentMonth:  values[2],
		BalanceDay:  values[3],
		LastChecked: lastChecked,
		SavedAt:     savedAt,
	}, nil
}
