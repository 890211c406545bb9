// Package store keeps a journal of the commands a worker has processed.
package store

import (
	"context"

	"github.com/seantiz/dmworker/internal/model"
)

// Store defines the persistence operations for the command journal.
type Store interface {
	RecordCommand(ctx context.Context, rec *model.CommandRecord) error
	ListCommands(ctx context.Context, limit, offset int) ([]*model.CommandRecord, int, error)
	GetCommandStats(ctx context.Context) (*model.CommandStats, error)
	Close() error
}
