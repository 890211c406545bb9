package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRecordID returns a journal record ID whose timestamp part is at, so
// IDs sort in the order commands were recorded.
func NewRecordID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}
