package eventbus

import (
	"time"

	"cmail-server-go/internal/domain/auth/model"
)

const (
	// EventVerificationCodeIssued is published once a code is stored and
	// must be delivered to its target.
	EventVerificationCodeIssued = "verification:code_issued"
	// EventVerificationCodeVerified is published after a successful verify.
	EventVerificationCodeVerified = "verification:code_verified"
)

type CodeIssuedEvent struct {
	Channel   model.Channel `json:"channel"`
	Target    string        `json:"target"`
	Code      string        `json:"-"`
	UserID    string        `json:"user_id,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

type CodeVerifiedEvent struct {
	Channel    model.Channel `json:"channel"`
	Target     string        `json:"target"`
	UserID     string        `json:"user_id,omitempty"`
	VerifiedAt time.Time     `json:"verified_at"`
}
