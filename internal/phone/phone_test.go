package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer("1")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"international with punctuation", "+1 (555) 123-4567", "whatsapp:+15551234567"},
		{"already canonical", "whatsapp:+15551234567", "whatsapp:+15551234567"},
		{"mixed case prefix", "WhatsApp:+15551234567", "whatsapp:+15551234567"},
		{"double zero prefix", "0044 20 7946 0958", "whatsapp:+442079460958"},
		{"national number gets default country", "(555) 123-4567", "whatsapp:+15551234567"},
		{"dots and spaces", "+44.20.7946.0958", "whatsapp:+442079460958"},
		{"fifteen digits", "+123456789012345", "whatsapp:+123456789012345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_TrunkZeroDropped(t *testing.T) {
	n := NewNormalizer("+31")
	got, err := n.Normalize("0612345678")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+31612345678", got)
}

func TestNormalize_Invalid(t *testing.T) {
	n := NewNormalizer("1")

	for _, in := range []string{
		"abc",
		"",
		"+123",
		"555-1234",
		"+1234567890123456",
		"+1555+1234567",
		"whatsapp:",
		"+0123456789",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := n.Normalize(in)
			assert.ErrorIs(t, err, ErrInvalidPhoneNumber)
		})
	}
}

func TestNormalize_NoDefaultCountryRejectsNationalNumbers(t *testing.T) {
	n := NewNormalizer("")

	_, err := n.Normalize("(555) 123-4567")
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)

	got, err := n.Normalize("+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+15551234567", got)
}

func TestNormalize_Idempotent(t *testing.T) {
	n := NewNormalizer("44")
	for _, in := range []string{"+1 555 123 4567", "020 7946 0958", "0049 30 123456 78"} {
		once, err := n.Normalize(in)
		require.NoError(t, err)
		twice, err := n.Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestBareAndChannel(t *testing.T) {
	assert.Equal(t, "+15551234567", Bare("whatsapp:+15551234567"))
	assert.Equal(t, "+15551234567", Bare("+15551234567"))
	assert.Equal(t, "whatsapp:+15551234567", Channel("+15551234567"))
	assert.Equal(t, "whatsapp:+15551234567", Channel("whatsapp:+15551234567"))
}
