package verification

import (
	"net/mail"
	"regexp"
	"strings"

	"cmail-server-go/internal/domain/auth/model"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// NormalizeTarget canonicalises an address for channel, rejecting values that
// cannot receive a code.
func NormalizeTarget(channel model.Channel, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch channel {
	case model.ChannelEmail:
		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Address != raw {
			return "", ErrInvalidTarget
		}
		return strings.ToLower(addr.Address), nil
	case model.ChannelSMS:
		phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(raw)
		if !phonePattern.MatchString(phone) {
			return "", ErrInvalidTarget
		}
		return phone, nil
	default:
		return "", ErrInvalidTarget
	}
}

func codeKey(channel model.Channel, target string) string {
	return string(channel) + ":" + target
}
