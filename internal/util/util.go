package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone reduces a phone number to E.164 form: digits only with a
// leading "+". The provider sends numbers without "+"; storing one canonical
// form keeps conversation lookups from splitting on formatting.
func NormalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return p
	}
	return "+" + digits
}

// PhoneDigits strips everything but digits. The Graph API wants numbers
// without the "+" prefix.
func PhoneDigits(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return p
	}
	return b.String()
}

func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// ULID is sortable, which keeps ids roughly creation-ordered in indexes.
func NewMessageID() string      { return newID("msg_") }
func NewBatchID() string        { return newID("bat_") }
func NewConversationID() string { return newID("cnv_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
