// Package ingest verifies webhook deliveries and turns them into domain events.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/payguard/internal/core/domain"
)

var (
	// ErrSignatureInvalid is terminal. The delivery is rejected and never retried.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrMalformedEvent means the signature checked out but the body is not an event.
	ErrMalformedEvent = errors.New("malformed event body")
)

const DefaultTolerance = 5 * time.Minute

// Verifier checks the Payment-Signature header: t=<unix>,v1=<hex hmac>[,v1=...].
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type Option func(*Verifier)

// WithTolerance sets the allowed timestamp skew. Zero disables the check.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates raw against header and decodes the event.
func (v *Verifier) Verify(raw []byte, header string) (*domain.Event, error) {
	if err := v.checkSignature(raw, header); err != nil {
		return nil, err
	}
	event, err := decodeEvent(raw)
	if err != nil {
		return nil, err
	}
	event.Signature = header
	return event, nil
}

// Verify is the one-shot form used where no Verifier is kept around.
func Verify(raw []byte, header, secret string) (*domain.Event, error) {
	return NewVerifier(secret).Verify(raw, header)
}

// Sign produces a header for payload at ts. Used by tests and local tooling.
func Sign(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + computeSignature([]byte(secret), t, payload)
}

func computeSignature(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) checkSignature(raw []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrSignatureInvalid)
	}
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = val
		case "v1":
			signatures = append(signatures, val)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrSignatureInvalid)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
		}
	}

	expected := []byte(computeSignature(v.secret, timestamp, raw))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignatureInvalid)
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func decodeEvent(raw []byte) (*domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	return &domain.Event{
		ID:        env.ID,
		Type:      domain.EventType(env.Type),
		CreatedAt: time.Unix(env.Created, 0).UTC(),
		Payload:   env.Data.Object,
	}, nil
}
