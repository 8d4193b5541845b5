package verification

import (
	"context"
	"strings"
	"time"

	"cmail-server-go/internal/domain/auth/model"
	"cmail-server-go/internal/domain/eventbus"
	perrors "cmail-server-go/internal/platform/errors"
)

const deliveryTimeout = 30 * time.Second

// Message is a code ready to be delivered to its target.
type Message struct {
	Channel   model.Channel
	Target    string
	Code      string
	ExpiresAt time.Time
}

// Sender delivers codes over email or SMS.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender stands in for the mail and SMS gateways: it records that a code
// went out without revealing the code or the full address.
type LogSender struct {
	Logger model.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	if s.Logger != nil {
		s.Logger.Info("%s verification code dispatched to %s, expires %s",
			msg.Channel, MaskTarget(msg.Channel, msg.Target), msg.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Notifier forwards issued codes from the event bus to a Sender. Delivery
// failures are logged; the stored code stays valid.
type Notifier struct {
	sender Sender
	logger model.Logger
}

func NewNotifier(sender Sender, logger model.Logger) *Notifier {
	return &Notifier{sender: sender, logger: logger}
}

// Attach subscribes the notifier to code issuance events.
func (n *Notifier) Attach(bus *eventbus.AsyncEventBus) error {
	return bus.Subscribe(eventbus.EventVerificationCodeIssued, n.handle)
}

// Detach stops forwarding issuance events published after it returns.
func (n *Notifier) Detach(bus *eventbus.AsyncEventBus) error {
	return bus.Unsubscribe(eventbus.EventVerificationCodeIssued, n.handle)
}

func (n *Notifier) handle(ev eventbus.CodeIssuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	err := n.sender.Send(ctx, Message{
		Channel:   ev.Channel,
		Target:    ev.Target,
		Code:      ev.Code,
		ExpiresAt: ev.ExpiresAt,
	})
	if err != nil && n.logger != nil {
		err = perrors.Wrap(perrors.KindDelivery, "verification.deliver", "sender failed", err)
		n.logger.Warn("delivering %s code to %s failed: %v", ev.Channel, MaskTarget(ev.Channel, ev.Target), err)
	}
}

// MaskTarget hides most of an address for logs.
func MaskTarget(channel model.Channel, target string) string {
	if channel == model.ChannelEmail {
		local, domain, ok := strings.Cut(target, "@")
		if !ok || local == "" {
			return "***"
		}
		return local[:1] + "***@" + domain
	}
	if len(target) <= 4 {
		return "***"
	}
	return strings.Repeat("*", len(target)-4) + target[len(target)-4:]
}
