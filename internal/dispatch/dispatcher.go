// Package dispatch contains the delivery pipeline: each tick selects due
// pending reminders, attempts delivery once per occurrence, records the
// outcome, and chains the next occurrence for recurring series.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nudgeworks/nudge/internal/db"
	"github.com/nudgeworks/nudge/internal/metrics"
	"github.com/nudgeworks/nudge/internal/recurrence"
	"github.com/nudgeworks/nudge/internal/sms"
	"github.com/nudgeworks/nudge/internal/transform"
)

const tickLeaseName = "dispatch-tick"

// Store is the slice of the repository the dispatcher needs.
type Store interface {
	DueReminders(ctx context.Context, now time.Time, limit int) ([]*db.Reminder, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, deliveredBody string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorCode string) (bool, error)
	CreateReminder(ctx context.Context, rem *db.Reminder) error
	PhoneByID(ctx context.Context, id uuid.UUID) (*db.PhoneNumber, error)
}

// Lease guards against two instances running a tick at the same time, which
// could double-deliver the same due reminder.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

type Config struct {
	Interval    time.Duration // how often Start fires a tick
	BatchSize   int           // max due reminders per tick
	SendTimeout time.Duration // per-message gateway deadline
}

// Dispatcher holds no reminder state between ticks; everything lives in the
// store.
type Dispatcher struct {
	store       Store
	gateway     sms.Gateway
	transformer *transform.Transformer
	lease       Lease // nil when running single-instance without redis
	config      Config
	logger      *zap.Logger

	now      func() time.Time
	inFlight atomic.Bool
}

// New creates a dispatcher.
func New(store Store, gateway sms.Gateway, transformer *transform.Transformer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 15 * time.Second
	}

	return &Dispatcher{
		store:       store,
		gateway:     gateway,
		transformer: transformer,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// WithLease enables the distributed tick lease.
func (d *Dispatcher) WithLease(lease Lease) *Dispatcher {
	d.lease = lease
	return d
}

// WithClock replaces the wall clock, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start runs dispatch ticks on a fixed interval until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("interval", d.config.Interval),
		zap.Int("batch_size", d.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.RunTick(ctx)
		}
	}
}

// RunTick executes one atomic scan-and-deliver pass. At most one tick runs
// at a time: overlapping invocations in-process are skipped, and the redis
// lease keeps other instances out.
func (d *Dispatcher) RunTick(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.logger.Warn("previous tick still running, skipping")
		metrics.RecordTick("skipped", 0)
		return
	}
	defer d.inFlight.Store(false)

	if d.lease != nil {
		ok, err := d.lease.Acquire(ctx, tickLeaseName, d.config.Interval)
		if err != nil {
			d.logger.Error("tick lease unavailable", zap.Error(err))
			metrics.RecordTick("aborted", 0)
			return
		}
		if !ok {
			d.logger.Debug("another instance holds the tick lease")
			metrics.RecordTick("skipped", 0)
			return
		}
		defer func() {
			if err := d.lease.Release(ctx, tickLeaseName); err != nil {
				d.logger.Warn("tick lease release failed", zap.Error(err))
			}
		}()
	}

	start := d.now()

	due, err := d.store.DueReminders(ctx, start, d.config.BatchSize)
	if err != nil {
		// Infrastructure failure: abort cleanly, the next tick retries.
		d.logger.Error("failed to query due reminders", zap.Error(err))
		metrics.RecordTick("aborted", time.Since(start))
		return
	}
	if len(due) == 0 {
		metrics.RecordTick("completed", time.Since(start))
		return
	}

	d.logger.Info("processing due reminders", zap.Int("count", len(due)))

	// Each reminder is an independent unit of work; one failure never blocks
	// the rest of the batch, and each transition commits on its own.
	for _, rem := range due {
		d.process(ctx, rem)
	}

	metrics.RecordTick("completed", time.Since(start))
}

func (d *Dispatcher) process(ctx context.Context, rem *db.Reminder) {
	phone, err := d.store.PhoneByID(ctx, rem.PhoneID)
	if errors.Is(err, db.ErrPhoneNotFound) {
		d.fail(ctx, rem, db.ErrCodeRecipientNotFound)
		return
	}
	if err != nil {
		// Store hiccup; leave the row pending for the next tick.
		d.logger.Error("failed to resolve recipient",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}
	if !phone.Verified {
		d.fail(ctx, rem, db.ErrCodeRecipientUnverified)
		return
	}

	deliveredBody := d.transformer.Transform(rem.Body)

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	sendStart := time.Now()
	err = d.gateway.Send(sendCtx, phone.E164, deliveredBody)
	cancel()
	metrics.RecordSMSSend(time.Since(sendStart))

	if err != nil {
		d.logger.Error("delivery failed",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
			zap.String("error_code", sms.ErrorCode(err)),
		)
		d.fail(ctx, rem, sms.ErrorCode(err))
		return
	}

	applied, err := d.store.MarkSent(ctx, rem.ID, d.now(), deliveredBody)
	if err != nil {
		d.logger.Error("failed to record sent transition",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}
	if !applied {
		// Lost the conditional write: someone else already transitioned the
		// row and chained the series. Nothing more to do.
		d.logger.Warn("reminder already transitioned",
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}

	metrics.RecordReminderProcessed(db.StatusSent)
	d.logger.Info("reminder sent",
		zap.String("reminder_id", rem.ID.String()),
	)

	d.scheduleNext(ctx, rem)
}

// fail records a failed occurrence. A recurring series continues past a
// failed occurrence, so the next one is still chained.
func (d *Dispatcher) fail(ctx context.Context, rem *db.Reminder, errorCode string) {
	applied, err := d.store.MarkFailed(ctx, rem.ID, errorCode)
	if err != nil {
		d.logger.Error("failed to record failed transition",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}
	if !applied {
		d.logger.Warn("reminder already transitioned",
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}

	metrics.RecordReminderProcessed(db.StatusFailed)

	d.scheduleNext(ctx, rem)
}

func (d *Dispatcher) scheduleNext(ctx context.Context, rem *db.Reminder) {
	if !rem.Recurring || rem.Rule == nil {
		return
	}

	next, ok := recurrence.Next(rem.ScheduledAt, *rem.Rule)
	if !ok {
		d.logger.Info("recurring series ended",
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}

	occurrence := &db.Reminder{
		ID:          uuid.New(),
		PhoneID:     rem.PhoneID,
		Body:        rem.Body,
		ScheduledAt: next,
		Recurring:   true,
		Rule:        rem.Rule,
		Status:      db.StatusPending,
	}

	if err := d.store.CreateReminder(ctx, occurrence); err != nil {
		d.logger.Error("failed to schedule next occurrence",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
			zap.Time("next", next),
		)
		return
	}

	metrics.RecordOccurrenceScheduled()
	d.logger.Info("next occurrence scheduled",
		zap.String("reminder_id", rem.ID.String()),
		zap.String("occurrence_id", occurrence.ID.String()),
		zap.Time("scheduled_at", next),
	)
}
