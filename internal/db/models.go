package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/nudgeworks/nudge/internal/recurrence"
)

// Reminder is one concrete scheduled occurrence. A recurring series is a
// chain of rows that share the same body and rule; each occurrence is
// inserted as a fresh pending row when the previous one is dispatched.
type Reminder struct {
	ID            uuid.UUID        `json:"id"`
	PhoneID       uuid.UUID        `json:"phone_id"`
	Body          string           `json:"body"`
	ScheduledAt   time.Time        `json:"scheduled_at"`
	Recurring     bool             `json:"recurring"`
	Rule          *recurrence.Rule `json:"rule,omitempty"`
	Status        string           `json:"status"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	DeliveredBody *string          `json:"delivered_body,omitempty"`
	ErrorCode     *string          `json:"error_code,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Status constants. A reminder transitions at most once, pending -> sent or
// pending -> failed. There is no automatic failed -> pending retry.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Error codes stamped by the dispatcher for failures it detects itself,
// before or instead of a provider-reported code.
const (
	ErrCodeRecipientNotFound   = "recipient_not_found"
	ErrCodeRecipientUnverified = "recipient_unverified"
)

// PhoneNumber is a delivery target. VerifyCode and CodeExpiresAt are set
// only while a verification code is outstanding; both are cleared when the
// number is verified.
type PhoneNumber struct {
	ID            uuid.UUID  `json:"id"`
	E164          string     `json:"e164"`
	Verified      bool       `json:"verified"`
	VerifyCode    *string    `json:"-"`
	CodeExpiresAt *time.Time `json:"code_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
