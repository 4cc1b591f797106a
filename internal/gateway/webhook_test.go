package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func fixedVerifier(now time.Time) *WebhookVerifier {
	v := NewWebhookVerifier(testSecret, 5*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestParseSignedEvent(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payment_succeeded","created":1760000000,"data":{"intent_id":"pi_123"}}`)

	evt, err := fixedVerifier(now).Parse(body, SignatureFor(testSecret, now, body))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, EventPaymentSucceeded, evt.Type)
	assert.Equal(t, "pi_123", evt.IntentID)
	assert.Equal(t, now.UTC(), evt.CreatedAt)
	assert.JSONEq(t, string(body), string(evt.Payload))
}

func TestParseRejectsBadSignatures(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payment_failed","data":{"intent_id":"pi_1"}}`)
	v := fixedVerifier(now)

	_, err := v.Parse(body, "")
	assert.True(t, errors.Is(err, ErrMissingSignature))

	_, err = v.Parse(body, SignatureFor("other", now, body))
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = v.Parse([]byte(`{"tampered":true}`), SignatureFor(testSecret, now, body))
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = v.Parse(body, SignatureFor(testSecret, now.Add(-time.Hour), body))
	assert.True(t, errors.Is(err, ErrStaleSignature))

	_, err = v.Parse(body, "garbage")
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestParseWithoutSecretSkipsVerification(t *testing.T) {
	v := NewWebhookVerifier("", 0)

	evt, err := v.Parse([]byte(`{"id":"evt_2","type":"customer.created"}`), "")
	require.NoError(t, err)
	assert.False(t, evt.Type.Known())
}

func TestParseMalformed(t *testing.T) {
	v := NewWebhookVerifier("", 0)

	_, err := v.Parse([]byte(`not json`), "")
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = v.Parse([]byte(`{"id":"evt_3"}`), "")
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = v.Parse([]byte(`{"id":"evt_4","type":"charge_refunded","data":{}}`), "")
	assert.True(t, errors.Is(err, ErrMalformedEvent))
}
