// Package phone turns user-entered phone numbers into the WhatsApp channel
// address the gateway expects: "whatsapp:+<E.164 digits>".
package phone

import (
	"errors"
	"strings"
)

const ChannelPrefix = "whatsapp:"

const (
	minDigits = 10
	maxDigits = 15
)

var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Normalizer applies a default country code to numbers entered without an
// international prefix. An empty DefaultCountryCode rejects such numbers.
type Normalizer struct {
	DefaultCountryCode string
}

func NewNormalizer(defaultCountryCode string) *Normalizer {
	return &Normalizer{DefaultCountryCode: strings.TrimLeft(strings.TrimSpace(defaultCountryCode), "+")}
}

// Normalize returns the channel address for raw. It is idempotent.
func (n *Normalizer) Normalize(raw string) (string, error) {
	e164, err := n.E164(raw)
	if err != nil {
		return "", err
	}
	return ChannelPrefix + e164, nil
}

// E164 returns "+<digits>" without the channel marker.
func (n *Normalizer) E164(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= len(ChannelPrefix) && strings.EqualFold(s[:len(ChannelPrefix)], ChannelPrefix) {
		s = s[len(ChannelPrefix):]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+':
			if b.Len() > 0 {
				return "", ErrInvalidPhoneNumber
			}
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	var digits string
	switch {
	case strings.HasPrefix(cleaned, "+"):
		digits = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		digits = cleaned[2:]
	default:
		if n == nil || n.DefaultCountryCode == "" {
			return "", ErrInvalidPhoneNumber
		}
		national := strings.TrimLeft(cleaned, "0")
		if national == "" {
			return "", ErrInvalidPhoneNumber
		}
		digits = n.DefaultCountryCode + national
	}

	if len(digits) < minDigits || len(digits) > maxDigits || digits[0] == '0' {
		return "", ErrInvalidPhoneNumber
	}
	return "+" + digits, nil
}

// Bare strips the channel marker, leaving the stored form.
func Bare(address string) string {
	if len(address) >= len(ChannelPrefix) && strings.EqualFold(address[:len(ChannelPrefix)], ChannelPrefix) {
		return address[len(ChannelPrefix):]
	}
	return address
}

// Channel adds the channel marker to a stored number.
func Channel(number string) string {
	return ChannelPrefix + Bare(number)
}
