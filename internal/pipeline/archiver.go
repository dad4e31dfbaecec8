package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// Archiver copies settled ledger history to cold storage.
type Archiver struct {
	blob      domain.Archiver
	afterDays int
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates an Archiver that exports transactions older than
// afterDays whole days.
func NewArchiver(blob domain.Archiver, afterDays int, logger *slog.Logger) *Archiver {
	if afterDays < 1 {
		afterDays = 1
	}
	return &Archiver{
		blob:      blob,
		afterDays: afterDays,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Run exports the UTC day that ended afterDays midnights ago; with the
// default of one that is yesterday. Days already in the bucket are skipped
// by the blob archiver, so repeated runs are harmless.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().Truncate(24*time.Hour).AddDate(0, 0, -(a.afterDays - 1))
	n, err := a.blob.ArchiveTransactions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive transactions before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	a.logger.InfoContext(ctx, "pipeline: archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("transactions", n),
	)
	return nil
}
