package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/ordergrid/eventing/pkg/errors"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// PayloadEnvelope is the stable payload structure stored in outbox_entries and
// carried on the wire. Consumers must tolerate unknown fields inside Data.
type PayloadEnvelope struct {
	Version       int             `json:"version"`
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Data          json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a wire payload. Failures carry CodeSerialization.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if len(raw) == 0 {
		return env, pkgerrors.New(pkgerrors.CodeSerialization, "empty payload")
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, pkgerrors.Wrap(pkgerrors.CodeSerialization, err, "decode envelope")
	}
	if env.EventType == "" {
		return env, pkgerrors.New(pkgerrors.CodeSerialization, "envelope missing eventType")
	}
	if env.Version > EnvelopeVersion {
		return env, pkgerrors.New(pkgerrors.CodeSerialization, fmt.Sprintf("unsupported envelope version %d", env.Version))
	}
	return env, nil
}

// DecodeData unmarshals the envelope data into target.
func (e PayloadEnvelope) DecodeData(target any) error {
	if len(e.Data) == 0 {
		return pkgerrors.New(pkgerrors.CodeSerialization, "envelope missing data")
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSerialization, err, fmt.Sprintf("decode %s data", e.EventType))
	}
	return nil
}
