// Package audit fans security events out to the configured sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/bucketing"
)

// Event types.
const (
	TypeRegistrationStarted   = "registration_started"
	TypeRegistrationCompleted = "registration_completed"
	TypeLoginChallenged       = "login_challenged"
	TypeLoginCompleted        = "login_completed"
	TypeLoginFailed           = "login_failed"
	TypeAccountLocked         = "account_locked"
	TypeOTPFailed             = "otp_failed"
	TypeLogout                = "logout"
	TypeTokenRefreshed        = "token_refreshed"
	TypePasswordUpdated       = "password_updated"
	TypePasswordResetRequest  = "password_reset_requested"
	TypePasswordResetDone     = "password_reset_completed"
	TypeEmailUpdated          = "email_updated"
	TypeDeliveryFailed        = "delivery_failed"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Outcome    string    `json:"outcome"`
	Role       string    `json:"role"`
	AccountID  string    `json:"account_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Bucket     int       `json:"bucket"`
	DateBucket string    `json:"date_bucket"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Security reports whether the event belongs in the security index.
func (e Event) Security() bool {
	return e.Outcome == OutcomeFailure || e.Type == TypeAccountLocked
}

// Sink persists or forwards events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Flusher is implemented by sinks that buffer.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Recorder struct {
	sinks   []Sink
	buckets *bucketing.Manager
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

func NewRecorder(buckets *bucketing.Manager, logger *zap.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		logger:  logger,
		now:     time.Now,
		timeout: 2 * time.Second,
	}
}

// Record stamps the event and writes it to every sink. Sink failures are
// logged and never reach the caller.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	subject := event.AccountID
	if subject == "" {
		subject = event.Email
	}
	event.Bucket = r.buckets.EventBucket(subject)
	event.DateBucket = r.buckets.DateBucket(event.OccurredAt)

	r.logger.Debug("Audit event",
		zap.String("type", event.Type),
		zap.String("outcome", event.Outcome),
		zap.String("role", event.Role),
		zap.String("account_id", event.AccountID))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, event); err != nil {
			r.logger.Warn("Audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("type", event.Type),
				zap.Error(err))
		}
	}
}

// Flush drains buffering sinks. It returns the first error and keeps going.
func (r *Recorder) Flush(ctx context.Context) error {
	var first error
	for _, sink := range r.sinks {
		f, ok := sink.(Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(ctx); err != nil {
			r.logger.Error("Audit flush failed", zap.String("sink", sink.Name()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Recorder) Sinks() []string {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}
