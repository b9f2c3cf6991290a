package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nudgeworks/nudge/internal/recurrence"
)

// Sentinel errors for callers that need to branch on cause.
var (
	ErrReminderNotFound     = errors.New("reminder not found")
	ErrPhoneNotFound        = errors.New("phone number not found")
	ErrPhoneAlreadyVerified = errors.New("phone number already verified")
)

const reminderColumns = `
	id, phone_id, body, scheduled_at, recurring, rule,
	status, sent_at, delivered_body, error_code,
	created_at, updated_at
`

// Repository handles database operations for reminders and phone numbers
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateReminder inserts a new pending reminder
func (r *Repository) CreateReminder(ctx context.Context, rem *Reminder) error {
	var ruleJSON []byte
	if rem.Rule != nil {
		var err error
		ruleJSON, err = rem.Rule.Marshal()
		if err != nil {
			return fmt.Errorf("encode rule: %w", err)
		}
	}

	query := `
		INSERT INTO reminders (
			id, phone_id, body, scheduled_at, recurring, rule, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rem.ID,
		rem.PhoneID,
		rem.Body,
		rem.ScheduledAt,
		rem.Recurring,
		ruleJSON,
		rem.Status,
	).Scan(&rem.CreatedAt, &rem.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return fmt.Errorf("insert reminder: %w", err)
	}

	r.logger.Info("reminder created",
		zap.String("reminder_id", rem.ID.String()),
		zap.Time("scheduled_at", rem.ScheduledAt),
		zap.Bool("recurring", rem.Recurring),
	)

	return nil
}

// GetReminder retrieves a reminder by ID
func (r *Repository) GetReminder(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`

	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReminderNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get reminder",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return nil, fmt.Errorf("query reminder: %w", err)
	}

	return rem, nil
}

// ListReminders retrieves reminders, optionally filtered by status,
// newest schedule first.
func (r *Repository) ListReminders(ctx context.Context, status string, limit, offset int) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + `
		FROM reminders
		WHERE ($1 = '' OR status = $1)
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// DueReminders returns pending reminders whose scheduled time has passed,
// oldest first, capped at limit to bound tick latency under backlog.
func (r *Repository) DueReminders(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + `
		FROM reminders
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// MarkSent transitions a reminder from pending to sent, stamping the send
// time and the transformed body that actually went out. Returns false when
// the row was no longer pending, which means another tick already took it.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, deliveredBody string) (bool, error) {
	query := `
		UPDATE reminders
		SET status = 'sent', sent_at = $1, delivered_body = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, sentAt, deliveredBody, id)
	if err != nil {
		r.logger.Error("failed to mark reminder sent",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return false, fmt.Errorf("mark reminder sent: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// MarkFailed transitions a reminder from pending to failed with the
// gateway-reported cause. Same conditional guard as MarkSent.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errorCode string) (bool, error) {
	query := `
		UPDATE reminders
		SET status = 'failed', error_code = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, errorCode, id)
	if err != nil {
		r.logger.Error("failed to mark reminder failed",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return false, fmt.Errorf("mark reminder failed: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// DeleteReminder removes a pending reminder. Sent and failed rows are
// history and stay put.
func (r *Repository) DeleteReminder(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM reminders WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrReminderNotFound, id)
	}

	r.logger.Info("reminder deleted", zap.String("reminder_id", id.String()))
	return nil
}

// PhoneByID retrieves a phone number row by its ID
func (r *Repository) PhoneByID(ctx context.Context, id uuid.UUID) (*PhoneNumber, error) {
	return r.phoneBy(ctx, `WHERE id = $1`, id)
}

// PhoneByNumber retrieves a phone number row by E.164 number
func (r *Repository) PhoneByNumber(ctx context.Context, e164 string) (*PhoneNumber, error) {
	return r.phoneBy(ctx, `WHERE e164 = $1`, e164)
}

func (r *Repository) phoneBy(ctx context.Context, where string, arg any) (*PhoneNumber, error) {
	query := `
		SELECT id, e164, verified, verify_code, code_expires_at, created_at, updated_at
		FROM phone_numbers ` + where

	var p PhoneNumber
	err := r.db.Pool().QueryRow(ctx, query, arg).Scan(
		&p.ID,
		&p.E164,
		&p.Verified,
		&p.VerifyCode,
		&p.CodeExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPhoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query phone number: %w", err)
	}

	return &p, nil
}

// UpsertVerification creates an unverified phone row with a fresh code, or
// replaces the outstanding code on an existing unverified row. Already
// verified numbers are left untouched and reported as such; they only get a
// new cycle after an explicit unlink.
func (r *Repository) UpsertVerification(ctx context.Context, e164, code string, expiresAt time.Time) (*PhoneNumber, error) {
	query := `
		INSERT INTO phone_numbers (id, e164, verified, verify_code, code_expires_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (e164) DO UPDATE
		SET verify_code = EXCLUDED.verify_code,
		    code_expires_at = EXCLUDED.code_expires_at,
		    updated_at = NOW()
		WHERE phone_numbers.verified = FALSE
		RETURNING id, e164, verified, verify_code, code_expires_at, created_at, updated_at
	`

	var p PhoneNumber
	err := r.db.Pool().QueryRow(ctx, query, uuid.New(), e164, code, expiresAt).Scan(
		&p.ID,
		&p.E164,
		&p.Verified,
		&p.VerifyCode,
		&p.CodeExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflict row exists but is verified, so the update was skipped.
		return nil, ErrPhoneAlreadyVerified
	}
	if err != nil {
		r.logger.Error("failed to upsert verification",
			zap.Error(err),
			zap.String("e164", e164),
		)
		return nil, fmt.Errorf("upsert verification: %w", err)
	}

	return &p, nil
}

// ConfirmVerification flips a phone to verified when the submitted code
// matches the outstanding one and has not expired. The check and the flip
// are one conditional UPDATE, so two concurrent confirms for the same phone
// cannot both pass the guard. Returns false when no row qualified.
func (r *Repository) ConfirmVerification(ctx context.Context, e164, code string, now time.Time) (bool, error) {
	query := `
		UPDATE phone_numbers
		SET verified = TRUE, verify_code = NULL, code_expires_at = NULL, updated_at = NOW()
		WHERE e164 = $1
		  AND verified = FALSE
		  AND verify_code = $2
		  AND code_expires_at > $3
	`

	result, err := r.db.Pool().Exec(ctx, query, e164, code, now)
	if err != nil {
		return false, fmt.Errorf("confirm verification: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// DeletePhone removes a phone number and its verification state entirely
func (r *Repository) DeletePhone(ctx context.Context, e164 string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM phone_numbers WHERE e164 = $1`, e164)
	if err != nil {
		return fmt.Errorf("delete phone number: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPhoneNotFound
	}

	r.logger.Info("phone number unlinked", zap.String("e164", e164))
	return nil
}

func collectReminders(rows pgx.Rows) ([]*Reminder, error) {
	var reminders []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return reminders, nil
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	var rem Reminder
	var ruleJSON []byte

	err := row.Scan(
		&rem.ID,
		&rem.PhoneID,
		&rem.Body,
		&rem.ScheduledAt,
		&rem.Recurring,
		&ruleJSON,
		&rem.Status,
		&rem.SentAt,
		&rem.DeliveredBody,
		&rem.ErrorCode,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(ruleJSON) > 0 {
		rule, err := recurrence.Unmarshal(ruleJSON)
		if err != nil {
			return nil, err
		}
		rem.Rule = rule
	}

	return &rem, nil
}
