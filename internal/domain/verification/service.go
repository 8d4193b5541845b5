package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/auth/secret"
	"cmail-server-go/internal/domain/auth/store"
	"cmail-server-go/internal/domain/eventbus"
	"cmail-server-go/internal/platform/observability"
)

var (
	ErrNotFound      = errors.New("no verification code found for this address")
	ErrExpired       = errors.New("verification code has expired")
	ErrMismatch      = errors.New("verification code does not match")
	ErrUnauthorized  = errors.New("verification code belongs to another user")
	ErrInvalidTarget = errors.New("invalid verification target")

	// ErrTooManyAttempts is returned when a rejected submission used up the
	// code's last attempt; the code is gone and a new one must be sent.
	ErrTooManyAttempts = errors.New("too many failed attempts, request a new code")
)

const (
	defaultDigits        = 6
	defaultEmailTTL      = 10 * time.Minute
	defaultSMSTTL        = 5 * time.Minute
	defaultSweepInterval = time.Minute
	defaultMaxAttempts   = 5
)

// Publisher hands issued codes to the delivery side.
type Publisher interface {
	PublishAsync(topic string, args ...any) bool
}

type Options struct {
	Codes         store.CodeStore[model.VerificationCode]
	Publisher     Publisher
	Logger        model.Logger
	Now           func() time.Time
	Digits        int
	EmailTTL      time.Duration
	SMSTTL        time.Duration
	SweepInterval time.Duration
	// MaxAttempts is how many wrong codes a target may submit before its
	// code is discarded.
	MaxAttempts int
	// DevEcho returns the issued code to the caller. Local development only.
	DevEcho bool
}

// Service issues and checks one-time codes for email and phone confirmation.
type Service struct {
	codes         store.CodeStore[model.VerificationCode]
	publisher     Publisher
	logger        model.Logger
	now           func() time.Time
	digits        int
	emailTTL      time.Duration
	smsTTL        time.Duration
	sweepInterval time.Duration
	maxAttempts   int
	devEcho       bool
}

func NewService(opts Options) (*Service, error) {
	if opts.Codes == nil {
		return nil, fmt.Errorf("verification service requires a code store")
	}
	s := &Service{
		codes:         opts.Codes,
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		now:           opts.Now,
		digits:        opts.Digits,
		emailTTL:      opts.EmailTTL,
		smsTTL:        opts.SMSTTL,
		sweepInterval: opts.SweepInterval,
		maxAttempts:   opts.MaxAttempts,
		devEcho:       opts.DevEcho,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.digits == 0 {
		s.digits = defaultDigits
	}
	if s.digits < 4 || s.digits > 6 {
		return nil, fmt.Errorf("verification code length must be between 4 and 6 digits, got %d", s.digits)
	}
	if s.emailTTL <= 0 {
		s.emailTTL = defaultEmailTTL
	}
	if s.smsTTL <= 0 {
		s.smsTTL = defaultSMSTTL
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = defaultSweepInterval
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	return s, nil
}

// SendRequest names the address to confirm and who asked for it.
type SendRequest struct {
	Channel  model.Channel
	Target   string
	UserID   string
	Metadata map[string]string
}

// SendResult reports the issued code's expiry. DevCode is set only when dev
// echo is enabled.
type SendResult struct {
	Target    string
	ExpiresAt time.Time
	DevCode   string
}

// Send issues a fresh code for the target, replacing any live one, and hands
// it to delivery.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	target, err := NormalizeTarget(req.Channel, req.Target)
	if err != nil {
		return nil, err
	}
	code, err := secret.Numeric(s.digits)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := model.VerificationCode{
		Code:      code,
		Target:    target,
		Channel:   req.Channel,
		UserID:    req.UserID,
		ExpiresAt: now.Add(s.ttl(req.Channel)),
		CreatedAt: now,
		Metadata:  req.Metadata,
	}
	if err := s.codes.Put(ctx, codeKey(req.Channel, target), rec); err != nil {
		return nil, fmt.Errorf("store verification code: %w", err)
	}

	if s.publisher != nil {
		s.publisher.PublishAsync(eventbus.EventVerificationCodeIssued, eventbus.CodeIssuedEvent{
			Channel:   rec.Channel,
			Target:    rec.Target,
			Code:      rec.Code,
			UserID:    rec.UserID,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	observability.RecordMetric(ctx, "verification.codes.sent", 1, map[string]string{"channel": string(req.Channel)})
	s.logf("%s verification code issued for %s", req.Channel, MaskTarget(req.Channel, target))

	result := &SendResult{Target: target, ExpiresAt: rec.ExpiresAt}
	if s.devEcho {
		result.DevCode = code
	}
	return result, nil
}

// Resend discards any existing code for the target and sends a new one.
func (s *Service) Resend(ctx context.Context, req SendRequest) (*SendResult, error) {
	target, err := NormalizeTarget(req.Channel, req.Target)
	if err != nil {
		return nil, err
	}
	if err := s.codes.Delete(ctx, codeKey(req.Channel, target)); err != nil {
		return nil, fmt.Errorf("discard verification code: %w", err)
	}
	return s.Send(ctx, req)
}

// VerifyRequest is a submitted code.
type VerifyRequest struct {
	Channel model.Channel
	Target  string
	Code    string
	UserID  string
}

// Verify consumes the code for the target. Expired codes are deleted. A wrong
// code is kept but counts as an attempt, and the attempt that reaches
// MaxAttempts deletes it. A code submitted by another user is left in place.
// On success the consumed record is returned so the caller can persist the
// verified attribute.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*model.VerificationCode, error) {
	target, err := NormalizeTarget(req.Channel, req.Target)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var outcome error
	rec, found, _, err := s.codes.Update(ctx, codeKey(req.Channel, target), func(rec model.VerificationCode) (model.VerificationCode, store.Action) {
		switch {
		case now.After(rec.ExpiresAt):
			outcome = ErrExpired
			return rec, store.ActionDelete
		case subtle.ConstantTimeCompare([]byte(rec.Code), []byte(req.Code)) != 1:
			rec.Attempts++
			if rec.Attempts >= s.maxAttempts {
				outcome = ErrTooManyAttempts
				return rec, store.ActionDelete
			}
			outcome = ErrMismatch
			return rec, store.ActionReplace
		case rec.UserID != req.UserID:
			outcome = ErrUnauthorized
			return rec, store.ActionKeep
		default:
			outcome = nil
			return rec, store.ActionDelete
		}
	})
	if err != nil {
		return nil, fmt.Errorf("load verification code: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	if outcome != nil {
		if errors.Is(outcome, ErrTooManyAttempts) {
			s.warnf("%s verification code for %s discarded after %d failed attempts", req.Channel, MaskTarget(req.Channel, target), rec.Attempts)
		}
		return nil, outcome
	}

	s.logf("%s verification succeeded for %s", req.Channel, MaskTarget(req.Channel, target))
	if s.publisher != nil {
		s.publisher.PublishAsync(eventbus.EventVerificationCodeVerified, eventbus.CodeVerifiedEvent{
			Channel:    rec.Channel,
			Target:     rec.Target,
			UserID:     rec.UserID,
			VerifiedAt: now,
		})
	}
	return &rec, nil
}

// Sweep deletes codes that expired before now.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.codes.Sweep(ctx, s.now())
}

// Run sweeps expired codes every SweepInterval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("verification sweep failed: %v", err)
				}
				continue
			}
			if n > 0 && s.logger != nil {
				s.logger.Debug("verification sweep removed %d expired code(s)", n)
			}
		}
	}
}

func (s *Service) ttl(channel model.Channel) time.Duration {
	if channel == model.ChannelSMS {
		return s.smsTTL
	}
	return s.emailTTL
}

func (s *Service) warnf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(format, args...)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Info(format, args...)
	}
}
