package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nudgeworks/nudge/internal/db"
	"github.com/nudgeworks/nudge/internal/recurrence"
	"github.com/nudgeworks/nudge/internal/sms"
	"github.com/nudgeworks/nudge/internal/transform"
)

// fakeStore mimics the repository's conditional-transition semantics in
// memory.
type fakeStore struct {
	mu        sync.Mutex
	reminders map[uuid.UUID]*db.Reminder
	phones    map[uuid.UUID]*db.PhoneNumber

	dueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reminders: make(map[uuid.UUID]*db.Reminder),
		phones:    make(map[uuid.UUID]*db.PhoneNumber),
	}
}

func (s *fakeStore) addPhone(verified bool) uuid.UUID {
	id := uuid.New()
	s.phones[id] = &db.PhoneNumber{ID: id, E164: "+15551234567", Verified: verified}
	return id
}

func (s *fakeStore) addReminder(rem *db.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[rem.ID] = rem
}

func (s *fakeStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]*db.Reminder, error) {
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*db.Reminder
	for _, rem := range s.reminders {
		if rem.Status == db.StatusPending && !rem.ScheduledAt.After(now) {
			copied := *rem
			due = append(due, &copied)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, deliveredBody string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem, ok := s.reminders[id]
	if !ok || rem.Status != db.StatusPending {
		return false, nil
	}
	rem.Status = db.StatusSent
	rem.SentAt = &sentAt
	rem.DeliveredBody = &deliveredBody
	return true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, errorCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem, ok := s.reminders[id]
	if !ok || rem.Status != db.StatusPending {
		return false, nil
	}
	rem.Status = db.StatusFailed
	rem.ErrorCode = &errorCode
	return true, nil
}

func (s *fakeStore) CreateReminder(ctx context.Context, rem *db.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[rem.ID] = rem
	return nil
}

func (s *fakeStore) PhoneByID(ctx context.Context, id uuid.UUID) (*db.PhoneNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phones[id]
	if !ok {
		return nil, db.ErrPhoneNotFound
	}
	return p, nil
}

func (s *fakeStore) byStatus(status string) []*db.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Reminder
	for _, rem := range s.reminders {
		if rem.Status == status {
			out = append(out, rem)
		}
	}
	return out
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *fakeGateway) Send(ctx context.Context, toE164, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.calls = append(g.calls, body)
	return nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func newTestDispatcher(store Store, gw sms.Gateway, now time.Time) *Dispatcher {
	return New(store, gw, transform.NewSeeded(1), Config{
		Interval:    time.Minute,
		BatchSize:   100,
		SendTimeout: time.Second,
	}, zap.NewNop()).WithClock(func() time.Time { return now })
}

func TestRunTick_SendsDueReminder(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "Call mom",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{}
	d := newTestDispatcher(store, gw, now)

	d.RunTick(context.Background())

	if gw.callCount() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gw.callCount())
	}

	sent := store.byStatus(db.StatusSent)
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent reminder, got %d", len(sent))
	}
	rem := sent[0]
	if rem.SentAt == nil || !rem.SentAt.Equal(now) {
		t.Errorf("sent_at not stamped with tick time: %v", rem.SentAt)
	}
	if rem.DeliveredBody == nil || !strings.Contains(*rem.DeliveredBody, "all mom") {
		t.Errorf("delivered body should contain the original text: %v", rem.DeliveredBody)
	}

	// A second tick finds nothing still due; no duplicate delivery.
	d.RunTick(context.Background())
	if gw.callCount() != 1 {
		t.Errorf("second tick should not re-send, got %d calls", gw.callCount())
	}
}

func TestRunTick_IgnoresFutureReminders(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "later",
		ScheduledAt: now.Add(time.Hour),
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{}
	newTestDispatcher(store, gw, now).RunTick(context.Background())

	if gw.callCount() != 0 {
		t.Errorf("future reminder should not be sent, got %d calls", gw.callCount())
	}
	if len(store.byStatus(db.StatusPending)) != 1 {
		t.Error("future reminder should stay pending")
	}
}

func TestRunTick_FailureRecordsProviderCode(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "water plants",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{err: &sms.SendError{Code: "30003", Message: "unreachable destination"}}
	newTestDispatcher(store, gw, now).RunTick(context.Background())

	failed := store.byStatus(db.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed reminder, got %d", len(failed))
	}
	if failed[0].ErrorCode == nil || *failed[0].ErrorCode != "30003" {
		t.Errorf("expected error code 30003, got %v", failed[0].ErrorCode)
	}
}

func TestRunTick_RecurringChainsNextOccurrence(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	scheduledAt := now.Add(-time.Minute)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "stretch",
		ScheduledAt: scheduledAt,
		Recurring:   true,
		Rule:        &recurrence.Rule{Frequency: recurrence.FrequencyDaily},
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{}
	newTestDispatcher(store, gw, now).RunTick(context.Background())

	pending := store.byStatus(db.StatusPending)
	if len(pending) != 1 {
		t.Fatalf("expected exactly 1 new pending occurrence, got %d", len(pending))
	}
	next := pending[0]
	if want := scheduledAt.AddDate(0, 0, 1); !next.ScheduledAt.Equal(want) {
		t.Errorf("expected next occurrence at %s, got %s", want, next.ScheduledAt)
	}
	if next.Body != "stretch" || !next.Recurring || next.Rule == nil {
		t.Error("next occurrence should carry the same body and rule")
	}
}

func TestRunTick_RecurringContinuesAfterFailure(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	scheduledAt := now.Add(-time.Minute)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "take meds",
		ScheduledAt: scheduledAt,
		Recurring:   true,
		Rule:        &recurrence.Rule{Frequency: recurrence.FrequencyDaily},
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{err: &sms.SendError{Code: "30003", Message: "unreachable destination"}}
	newTestDispatcher(store, gw, now).RunTick(context.Background())

	failed := store.byStatus(db.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed occurrence, got %d", len(failed))
	}
	if failed[0].ErrorCode == nil || *failed[0].ErrorCode != "30003" {
		t.Errorf("expected error code 30003, got %v", failed[0].ErrorCode)
	}

	// The series survives a failed occurrence.
	pending := store.byStatus(db.StatusPending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 chained occurrence despite failure, got %d", len(pending))
	}
	if want := scheduledAt.AddDate(0, 0, 1); !pending[0].ScheduledAt.Equal(want) {
		t.Errorf("expected next occurrence at %s, got %s", want, pending[0].ScheduledAt)
	}
}

func TestRunTick_SeriesEndsAtEndDate(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour) // next daily occurrence would be past this
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "final countdown",
		ScheduledAt: now.Add(-time.Minute),
		Recurring:   true,
		Rule:        &recurrence.Rule{Frequency: recurrence.FrequencyDaily, EndDate: &end},
		Status:      db.StatusPending,
	})

	newTestDispatcher(store, &fakeGateway{}, now).RunTick(context.Background())

	if len(store.byStatus(db.StatusPending)) != 0 {
		t.Error("no occurrence should be chained past the end date")
	}
}

func TestRunTick_UnverifiedRecipientFailsHard(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	phoneID := store.addPhone(false)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "hello",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{}
	newTestDispatcher(store, gw, now).RunTick(context.Background())

	if gw.callCount() != 0 {
		t.Error("gateway must not be called for an unverified recipient")
	}
	failed := store.byStatus(db.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed reminder, got %d", len(failed))
	}
	if failed[0].ErrorCode == nil || *failed[0].ErrorCode != db.ErrCodeRecipientUnverified {
		t.Errorf("expected %s, got %v", db.ErrCodeRecipientUnverified, failed[0].ErrorCode)
	}
}

func TestRunTick_MissingRecipientFailsHard(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     uuid.New(), // no such phone
		Body:        "hello",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})

	newTestDispatcher(store, &fakeGateway{}, now).RunTick(context.Background())

	failed := store.byStatus(db.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed reminder, got %d", len(failed))
	}
	if failed[0].ErrorCode == nil || *failed[0].ErrorCode != db.ErrCodeRecipientNotFound {
		t.Errorf("expected %s, got %v", db.ErrCodeRecipientNotFound, failed[0].ErrorCode)
	}
}

func TestRunTick_StoreFailureAbortsCleanly(t *testing.T) {
	store := newFakeStore()
	store.dueErr = errors.New("connection refused")

	d := newTestDispatcher(store, &fakeGateway{}, time.Now())
	// Must not panic; the next tick would simply retry.
	d.RunTick(context.Background())
}

func TestRunTick_OneBadReminderDoesNotBlockOthers(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	goodPhone := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     uuid.New(), // unresolvable
		Body:        "broken",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     goodPhone,
		Body:        "fine",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{}
	newTestDispatcher(store, gw, now).RunTick(context.Background())

	if gw.callCount() != 1 {
		t.Errorf("healthy reminder should still go out, got %d calls", gw.callCount())
	}
	if len(store.byStatus(db.StatusSent)) != 1 || len(store.byStatus(db.StatusFailed)) != 1 {
		t.Error("expected one sent and one failed reminder")
	}
}

// claimedStore simulates losing the conditional write to a concurrent tick.
type claimedStore struct {
	*fakeStore
}

func (s *claimedStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, deliveredBody string) (bool, error) {
	return false, nil
}

func TestRunTick_LostTransitionSkipsChaining(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	inner := newFakeStore()
	phoneID := inner.addPhone(true)
	inner.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "race",
		ScheduledAt: now.Add(-time.Minute),
		Recurring:   true,
		Rule:        &recurrence.Rule{Frequency: recurrence.FrequencyDaily},
		Status:      db.StatusPending,
	})

	store := &claimedStore{fakeStore: inner}
	newTestDispatcher(store, &fakeGateway{}, now).RunTick(context.Background())

	// The other claimant owns the transition and the chaining; inserting a
	// second next occurrence here would duplicate the series.
	for _, rem := range inner.byStatus(db.StatusPending) {
		if !rem.ScheduledAt.Equal(now.Add(-time.Minute)) {
			t.Error("lost transition must not chain a new occurrence")
		}
	}
}

func TestRunTick_RespectsBatchSize(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	for i := 0; i < 10; i++ {
		store.addReminder(&db.Reminder{
			ID:          uuid.New(),
			PhoneID:     phoneID,
			Body:        "bulk",
			ScheduledAt: now.Add(-time.Minute),
			Status:      db.StatusPending,
		})
	}

	gw := &fakeGateway{}
	d := New(store, gw, transform.NewSeeded(1), Config{
		Interval:    time.Minute,
		BatchSize:   4,
		SendTimeout: time.Second,
	}, zap.NewNop()).WithClock(func() time.Time { return now })

	d.RunTick(context.Background())

	if gw.callCount() != 4 {
		t.Errorf("expected batch of 4, got %d gateway calls", gw.callCount())
	}
	if len(store.byStatus(db.StatusPending)) != 6 {
		t.Errorf("expected 6 reminders left for the next tick, got %d", len(store.byStatus(db.StatusPending)))
	}
}

// deniedLease always reports the lease as held elsewhere.
type deniedLease struct{}

func (deniedLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (deniedLease) Release(ctx context.Context, name string) error { return nil }

func TestRunTick_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	phoneID := store.addPhone(true)
	store.addReminder(&db.Reminder{
		ID:          uuid.New(),
		PhoneID:     phoneID,
		Body:        "locked out",
		ScheduledAt: now.Add(-time.Minute),
		Status:      db.StatusPending,
	})

	gw := &fakeGateway{}
	d := newTestDispatcher(store, gw, now).WithLease(deniedLease{})

	d.RunTick(context.Background())

	if gw.callCount() != 0 {
		t.Error("tick should be skipped while another instance holds the lease")
	}
	if len(store.byStatus(db.StatusPending)) != 1 {
		t.Error("reminder should stay pending for the lease holder")
	}
}
