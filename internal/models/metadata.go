package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const PaymentMetadataVersion = 1

// PaymentMetadata is the structured record of the last gateway interaction
// applied to a payment.
type PaymentMetadata struct {
	Version            int             `json:"version"`
	RawGatewayPayload  json.RawMessage `json:"raw_gateway_payload,omitempty"`
	LastEventType      string          `json:"last_event_type,omitempty"`
	LastEventTimestamp *time.Time      `json:"last_event_timestamp,omitempty"`
}

// RecordEvent replaces the metadata with the given gateway event.
func (m *PaymentMetadata) RecordEvent(eventType string, at time.Time, raw []byte) {
	at = at.UTC()
	m.Version = PaymentMetadataVersion
	m.LastEventType = eventType
	m.LastEventTimestamp = &at
	if len(raw) > 0 && json.Valid(raw) {
		m.RawGatewayPayload = append(json.RawMessage(nil), raw...)
	} else {
		m.RawGatewayPayload = nil
	}
}

func (m PaymentMetadata) Value() (driver.Value, error) {
	if m.Version == 0 {
		m.Version = PaymentMetadataVersion
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal payment metadata: %w", err)
	}
	// lib/pq sends []byte as bytea; jsonb needs the text form.
	return string(b), nil
}

func (m *PaymentMetadata) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = PaymentMetadata{Version: PaymentMetadataVersion}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scan payment metadata: unsupported type %T", src)
	}

	var out PaymentMetadata
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("unmarshal payment metadata: %w", err)
	}
	if out.Version == 0 {
		out.Version = PaymentMetadataVersion
	}
	if out.Version > PaymentMetadataVersion {
		return fmt.Errorf("payment metadata version %d is newer than supported %d", out.Version, PaymentMetadataVersion)
	}
	*m = out
	return nil
}
