/*
 * Package wire defines the envelope protocol exchanged between mesh nodes:
 * the typed, addressed Envelope unit, the frame codec that carries envelopes
 * over a transport link, the legacy password-derived cipher, and the small
 * textual payload formats (status pairs, task descriptors, kill commands).
 */
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of an Envelope. The payload shape is determined
// entirely by the kind.
type Kind string

const (
	KindJob                    Kind = "job"
	KindStringMessage          Kind = "string_message"
	KindConnectionRequest      Kind = "connection_request"
	KindConnectionConfirmation Kind = "connection_confirmation"
	KindServerStatusQuery      Kind = "server_status_query"
	KindServerStatus           Kind = "server_status"
	KindResourceRequest        Kind = "resource_request"
	KindResourceURI            Kind = "resource_uri"
	KindTask                   Kind = "task"
	KindKill                   Kind = "kill"
	KindPing                   Kind = "ping"
)

// Envelope is one addressed message unit. ReceiverID is set immediately
// before transmission; an empty Payload stands for the reference's null.
type Envelope struct {
	Kind       Kind      `json:"kind"`
	SenderID   string    `json:"sender_id,omitempty"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEnvelope builds an envelope of the given kind and payload. The receiver
// is filled in by the sending side.
func NewEnvelope(kind Kind, senderID, payload string) *Envelope {
	return &Envelope{
		Kind:      kind,
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal encodes the envelope body as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes an envelope body.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if e.Kind == "" {
		return nil, fmt.Errorf("envelope has no kind")
	}
	return &e, nil
}
