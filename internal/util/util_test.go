package util

import (
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"5215512345678":      "+5215512345678",
		"+52 1 55 1234 5678": "+5215512345678",
		"(555) 123-4567":     "+5551234567",
		"+15551234567":       "+15551234567",
		"":                   "",
		"abc":                "abc",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhoneDigits(t *testing.T) {
	if got := PhoneDigits("+52 1 55 1234 5678"); got != "5215512345678" {
		t.Fatalf("PhoneDigits = %q", got)
	}
}

func TestIDPrefixes(t *testing.T) {
	cases := []struct {
		id     string
		prefix string
	}{
		{NewMessageID(), "msg_"},
		{NewBatchID(), "bat_"},
		{NewConversationID(), "cnv_"},
	}
	for _, tc := range cases {
		if !strings.HasPrefix(tc.id, tc.prefix) {
			t.Fatalf("id %q missing prefix %q", tc.id, tc.prefix)
		}
		if len(tc.id) != len(tc.prefix)+26 {
			t.Fatalf("id %q has wrong length", tc.id)
		}
	}
	if NewMessageID() == NewMessageID() {
		t.Fatalf("ids must be unique")
	}
}
