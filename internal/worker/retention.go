package worker

import (
	"context"
	"time"

	"github.com/reviewyai/reviewy/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultRetentionBatch    = 1000
	maxRetentionBatches      = 500
)

// RetentionCleaner periodically deletes dead letters older than the configured age.
type RetentionCleaner struct {
	db        *gorm.DB
	maxAge    time.Duration
	interval  time.Duration
	batchSize int
}

// NewRetentionCleaner returns nil when maxAge disables retention.
func NewRetentionCleaner(db *gorm.DB, maxAge time.Duration) *RetentionCleaner {
	if db == nil || maxAge <= 0 {
		return nil
	}
	return &RetentionCleaner{
		db:        db,
		maxAge:    maxAge,
		interval:  defaultRetentionInterval,
		batchSize: defaultRetentionBatch,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
	log.Infof("dead letter retention started (max_age=%s interval=%s)", c.maxAge, c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.CleanupOnce(ctx, time.Now().UTC())
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce deletes expired rows in batches and returns how many were removed.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context, now time.Time) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	cutoff := now.Add(-c.maxAge)

	var deleted int64
	for i := 0; i < maxRetentionBatches; i++ {
		if ctx.Err() != nil {
			break
		}
		n, errDelete := c.deleteBatch(ctx, cutoff)
		if errDelete != nil {
			log.WithError(errDelete).Warn("dead letter retention: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deleted += n
	}
	if deleted > 0 {
		log.Infof("dead letter retention: deleted %d rows (cutoff=%s)", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	// Limited subquery keeps each statement short on large tables.
	ids := c.db.Model(&models.DeadLetter{}).
		Select("id").
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(c.batchSize)
	res := c.db.WithContext(ctx).Where("id IN (?)", ids).Delete(&models.DeadLetter{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
