package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "whsec_test"

var testBody = []byte(`{"id":"evt_1","type":"customer.subscription.created","created":1767268800,"data":{"object":{"id":"sub_1","metadata":{"user_id":"u1"}}}}`)

func TestVerifier_Valid(t *testing.T) {
	now := time.Unix(1767268800, 0)
	v := NewVerifier(testSecret, WithClock(func() time.Time { return now }))

	event, err := v.Verify(testBody, Sign(testBody, testSecret, now))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if event.ID != "evt_1" || event.Type != "customer.subscription.created" {
		t.Errorf("unexpected event %+v", event)
	}
	obj, err := event.Object()
	if err != nil {
		t.Fatalf("Object failed: %v", err)
	}
	if obj.UserID() != "u1" {
		t.Errorf("expected user u1, got %q", obj.UserID())
	}
}

func TestVerifier_Rejects(t *testing.T) {
	now := time.Unix(1767268800, 0)
	good := Sign(testBody, testSecret, now)

	tests := []struct {
		name   string
		body   []byte
		header string
		at     time.Time
		want   error
	}{
		{"missing header", testBody, "", now, ErrSignatureInvalid},
		{"garbage header", testBody, "nonsense", now, ErrSignatureInvalid},
		{"wrong secret", testBody, Sign(testBody, "other", now), now, ErrSignatureInvalid},
		{"tampered body", []byte(strings.Replace(string(testBody), "u1", "u2", 1)), good, now, ErrSignatureInvalid},
		{"stale", testBody, good, now.Add(6 * time.Minute), ErrSignatureInvalid},
		{"future", testBody, good, now.Add(-6 * time.Minute), ErrSignatureInvalid},
		{"no id", []byte(`{"type":"x"}`), Sign([]byte(`{"type":"x"}`), testSecret, now), now, ErrMalformedEvent},
		{"not json", []byte(`nope`), Sign([]byte(`nope`), testSecret, now), now, ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			v := NewVerifier(testSecret, WithClock(func() time.Time { return at }))
			_, err := v.Verify(tt.body, tt.header)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifier_ZeroToleranceSkipsTimestampCheck(t *testing.T) {
	signedAt := time.Unix(1767268800, 0)
	v := NewVerifier(testSecret,
		WithTolerance(0),
		WithClock(func() time.Time { return signedAt.Add(24 * time.Hour) }),
	)
	if _, err := v.Verify(testBody, Sign(testBody, testSecret, signedAt)); err != nil {
		t.Fatalf("expected old signature accepted with tolerance disabled, got %v", err)
	}
}

func TestVerifier_AnyMatchingSignature(t *testing.T) {
	now := time.Unix(1767268800, 0)
	header := Sign(testBody, testSecret, now) + ",v1=deadbeef"
	header = strings.Replace(header, "v1=", "v1=00,v1=", 1)

	v := NewVerifier(testSecret, WithClock(func() time.Time { return now }))
	if _, err := v.Verify(testBody, header); err != nil {
		t.Fatalf("expected one matching v1 to pass, got %v", err)
	}
}
