// Package verify owns the phone-number ownership proof flow: issue a
// time-limited 6-digit code over SMS, confirm it, or unlink the number.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/nudgeworks/nudge/internal/db"
	"github.com/nudgeworks/nudge/internal/metrics"
	"github.com/nudgeworks/nudge/internal/redis"
	"github.com/nudgeworks/nudge/internal/sms"
)

// Typed failures surfaced to the API layer.
var (
	ErrInvalidPhoneNumber = errors.New("invalid phone number: must be E.164 format")
	ErrAlreadyVerified    = errors.New("phone number is already verified")
	ErrNoPendingCode      = errors.New("no verification code is pending for this phone")
	ErrCodeInvalid        = errors.New("verification code does not match")
	ErrCodeExpired        = errors.New("verification code has expired")
	ErrResendThrottled    = errors.New("too many verification codes requested")
)

// e164Pattern: leading + followed by 8 to 15 digits, no leading zero.
var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Store is the slice of the repository the manager needs.
type Store interface {
	PhoneByNumber(ctx context.Context, e164 string) (*db.PhoneNumber, error)
	UpsertVerification(ctx context.Context, e164, code string, expiresAt time.Time) (*db.PhoneNumber, error)
	ConfirmVerification(ctx context.Context, e164, code string, now time.Time) (bool, error)
	DeletePhone(ctx context.Context, e164 string) error
}

// Manager drives the per-phone verification state machine:
// unverified (no code) -> unverified (code pending) -> verified, where a
// resend loops on the pending state with a fresh code and extended expiry.
type Manager struct {
	store   Store
	gateway sms.Gateway
	limiter *redis.RateLimiter // nil disables resend throttling
	logger  *zap.Logger
	codeTTL time.Duration

	now     func() time.Time
	newCode func() string
}

// New creates a verification manager. codeTTL is how long an issued code
// stays usable.
func New(store Store, gateway sms.Gateway, codeTTL time.Duration, logger *zap.Logger) *Manager {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Manager{
		store:   store,
		gateway: gateway,
		logger:  logger,
		codeTTL: codeTTL,
		now:     time.Now,
		newCode: func() string {
			return fmt.Sprintf("%06d", rng.Intn(900000)+100000)
		},
	}
}

// WithResendLimiter throttles how often codes can be issued per phone.
func (m *Manager) WithResendLimiter(limiter *redis.RateLimiter) *Manager {
	m.limiter = limiter
	return m
}

// WithClock replaces the wall clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithCodeFunc replaces the code generator, for tests.
func (m *Manager) WithCodeFunc(newCode func() string) *Manager {
	m.newCode = newCode
	return m
}

// IssueCode generates a fresh 6-digit code for the phone, stores the pending
// state, and sends the code out-of-band over SMS. Calling it again before
// the code expires replaces the old code and extends the expiry.
func (m *Manager) IssueCode(ctx context.Context, phone string) (string, error) {
	if !e164Pattern.MatchString(phone) {
		return "", ErrInvalidPhoneNumber
	}

	if m.limiter != nil {
		result, err := m.limiter.Allow(ctx, "verify:"+phone)
		if err != nil {
			m.logger.Warn("resend limiter check failed, proceeding", zap.Error(err))
		} else if !result.Allowed {
			metrics.RecordRateLimitRejection("verification")
			return "", ErrResendThrottled
		}
	}

	code := m.newCode()
	expiresAt := m.now().Add(m.codeTTL)

	if _, err := m.store.UpsertVerification(ctx, phone, code, expiresAt); err != nil {
		if errors.Is(err, db.ErrPhoneAlreadyVerified) {
			return "", ErrAlreadyVerified
		}
		return "", fmt.Errorf("store verification code: %w", err)
	}

	if err := m.gateway.Send(ctx, phone, "Your verification code: "+code); err != nil {
		// The pending code stays stored; the user can request a resend.
		return "", fmt.Errorf("send verification code: %w", err)
	}

	metrics.RecordVerificationCodeIssued()
	m.logger.Info("verification code issued",
		zap.String("phone", phone),
		zap.Time("expires_at", expiresAt),
	)

	return code, nil
}

// Confirm checks the submitted code. The verified flip and the code check
// are one conditional write in the store, so concurrent submissions for the
// same phone cannot both succeed. A wrong guess leaves the pending code
// active.
func (m *Manager) Confirm(ctx context.Context, phone, code string) error {
	now := m.now()

	ok, err := m.store.ConfirmVerification(ctx, phone, code, now)
	if err != nil {
		return fmt.Errorf("confirm verification: %w", err)
	}
	if ok {
		metrics.RecordVerificationConfirm("verified")
		m.logger.Info("phone verified", zap.String("phone", phone))
		return nil
	}

	// The guard did not match; classify why for the caller.
	p, err := m.store.PhoneByNumber(ctx, phone)
	if errors.Is(err, db.ErrPhoneNotFound) {
		metrics.RecordVerificationConfirm("no_code")
		return ErrNoPendingCode
	}
	if err != nil {
		return fmt.Errorf("lookup phone: %w", err)
	}

	switch {
	case p.VerifyCode == nil:
		metrics.RecordVerificationConfirm("no_code")
		return ErrNoPendingCode
	case p.CodeExpiresAt != nil && !now.Before(*p.CodeExpiresAt):
		metrics.RecordVerificationConfirm("expired")
		return ErrCodeExpired
	default:
		metrics.RecordVerificationConfirm("invalid")
		return ErrCodeInvalid
	}
}

// Unlink clears the phone's verification state entirely. A re-added number
// starts a fresh cycle.
func (m *Manager) Unlink(ctx context.Context, phone string) error {
	if err := m.store.DeletePhone(ctx, phone); err != nil {
		return err
	}
	m.logger.Info("phone unlinked", zap.String("phone", phone))
	return nil
}
