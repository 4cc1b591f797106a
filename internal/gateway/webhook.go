package gateway

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
)

const SignatureHeader = "Gateway-Signature"

var (
	ErrMissingSignature = errors.New("gateway: missing webhook signature")
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	ErrStaleSignature   = errors.New("gateway: webhook signature timestamp outside tolerance")
	ErrMalformedEvent   = errors.New("gateway: malformed webhook event")
)

// WebhookVerifier authenticates and decodes webhook deliveries. The
// signature header has the form "t=<unix seconds>,v1=<hex hmac>", where the
// HMAC-SHA256 is computed over "<t>.<body>" with the shared secret.
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

type wireEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		IntentID       string `json:"intent_id"`
		FailureMessage string `json:"failure_message"`
		RefundID       string `json:"refund_id"`
	} `json:"data"`
}

// Parse verifies the signature (when a secret is configured) and decodes the event.
func (v *WebhookVerifier) Parse(body []byte, signature string) (*WebhookEvent, error) {
	if len(v.secret) > 0 {
		if err := v.verify(body, signature); err != nil {
			return nil, err
		}
	}

	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	evt := &WebhookEvent{
		ID:             w.ID,
		Type:           EventType(w.Type),
		IntentID:       w.Data.IntentID,
		FailureMessage: w.Data.FailureMessage,
		RefundID:       w.Data.RefundID,
		Payload:        append(json.RawMessage(nil), body...),
	}
	if w.Created > 0 {
		evt.CreatedAt = time.Unix(w.Created, 0).UTC()
	} else {
		evt.CreatedAt = v.now().UTC()
	}
	if evt.Type.Known() && evt.IntentID == "" {
		return nil, fmt.Errorf("%w: missing intent id", ErrMalformedEvent)
	}

	return evt, nil
}

func (v *WebhookVerifier) verify(body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrStaleSignature
		}
	}

	expected := sign(v.secret, ts, body)
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignatureFor builds a signature header for body, as the processor would.
func SignatureFor(secret string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(sign([]byte(secret), ts, body))
}

func sign(secret []byte, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
