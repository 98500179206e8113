package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// ArchiveConfig controls the cold-storage job.
type ArchiveConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// ArchiveResult reports one archive run.
type ArchiveResult struct {
	Positions int64
	AuditLog  int64
}

// ArchiveJob periodically copies closed positions and audit entries older
// than the retention window to object storage.
type ArchiveJob struct {
	archiver domain.Archiver
	ops      domain.OpsNotifier
	cfg      ArchiveConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiveJob creates an ArchiveJob. ops may be nil.
func NewArchiveJob(archiver domain.Archiver, ops domain.OpsNotifier, cfg ArchiveConfig, logger *slog.Logger) *ArchiveJob {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	return &ArchiveJob{
		archiver: archiver,
		ops:      ops,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "archive_job")),
		now:      time.Now,
	}
}

// RunOnce archives everything older than now minus Retention. Both kinds are
// attempted even if the first one fails.
func (j *ArchiveJob) RunOnce(ctx context.Context) (ArchiveResult, error) {
	before := j.now().UTC().Add(-j.cfg.Retention)
	var res ArchiveResult
	var posErr, auditErr error
	res.Positions, posErr = j.archiver.ArchiveClosedPositions(ctx, before)
	res.AuditLog, auditErr = j.archiver.ArchiveAuditLog(ctx, before)
	if err := errors.Join(posErr, auditErr); err != nil {
		return res, fmt.Errorf("archive_job: %w", err)
	}
	return res, nil
}

// Run calls RunOnce every Interval until ctx is done.
func (j *ArchiveJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		res, err := j.RunOnce(ctx)
		if err != nil {
			j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			if j.ops != nil {
				if nerr := j.ops.Notify(ctx, "archive", "Archive failed", err.Error()); nerr != nil {
					j.logger.WarnContext(ctx, "ops alert failed", slog.String("error", nerr.Error()))
				}
			}
			continue
		}
		if res.Positions > 0 || res.AuditLog > 0 {
			j.logger.InfoContext(ctx, "archive run done",
				slog.Int64("positions", res.Positions),
				slog.Int64("audit_entries", res.AuditLog),
			)
		}
	}
}
