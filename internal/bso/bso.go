// Package bso implements the wire format for one synced record: the
// outer envelope (id, modified, sortindex, ttl) plus the JSON-encoded
// payload string it carries.
//
// Decoding never fails the batch: anything that cannot be understood
// becomes Malformed and is counted by the caller, not raised.
package bso

import (
	"encoding/json"
	"log/slog"

	"github.com/bridgesync/bsync/internal/guid"
	"github.com/bridgesync/bsync/internal/timestamp"
)

// IncomingBso is one record as fetched from the server.
type IncomingBso struct {
	ID guid.Guid `json:"id"`
	// Modified is server-assigned. Zero if absent (old servers).
	Modified  timestamp.Timestamp `json:"modified"`
	SortIndex *int32              `json:"sortindex,omitempty"`
	TTL       *uint32             `json:"ttl,omitempty"`
	Payload   string              `json:"payload"`
}

// OutgoingEnvelope carries the client-settable envelope fields; the
// server assigns modified itself.
type OutgoingEnvelope struct {
	ID        guid.Guid `json:"id"`
	SortIndex *int32    `json:"sortindex,omitempty"`
	TTL       *uint32   `json:"ttl,omitempty"`
}

// OutgoingBso is one record ready for upload.
type OutgoingBso struct {
	OutgoingEnvelope
	Payload string `json:"payload"`
}

// Kind classifies a decoded incoming payload.
type Kind int

const (
	// KindContent is a normal record.
	KindContent Kind = iota
	// KindTombstone is a deletion marker ({"deleted": true}).
	KindTombstone
	// KindMalformed is anything undecodable: bad JSON, invalid guid,
	// or an embedded id disagreeing with the envelope.
	KindMalformed
)

// IncomingContent is the result of decoding one incoming payload into
// the collection's record type T. Record is meaningful only for
// KindContent.
type IncomingContent[T any] struct {
	Kind   Kind
	Record T
}

// DecodeIncoming classifies and decodes one incoming BSO.
func DecodeIncoming[T any](b *IncomingBso) IncomingContent[T] {
	var out IncomingContent[T]
	if !b.ID.IsValid() {
		slog.Warn("incoming bso has invalid id", "id", string(b.ID))
		out.Kind = KindMalformed
		return out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(b.Payload), &fields); err != nil {
		slog.Warn("incoming payload is not a JSON object", "id", b.ID, "err", err)
		out.Kind = KindMalformed
		return out
	}
	// JSON null unmarshals into a nil map without error.
	if fields == nil {
		slog.Warn("incoming payload is not a JSON object", "id", b.ID)
		out.Kind = KindMalformed
		return out
	}
	if raw, ok := fields["deleted"]; ok && truthy(raw) {
		out.Kind = KindTombstone
		return out
	}
	if raw, ok := fields["id"]; ok {
		var embedded string
		if err := json.Unmarshal(raw, &embedded); err != nil || embedded != string(b.ID) {
			slog.Warn("payload id disagrees with envelope", "id", b.ID)
			out.Kind = KindMalformed
			return out
		}
	} else {
		idJSON, _ := json.Marshal(string(b.ID))
		fields["id"] = idJSON
	}
	normalized, err := json.Marshal(fields)
	if err != nil {
		out.Kind = KindMalformed
		return out
	}
	if err := json.Unmarshal(normalized, &out.Record); err != nil {
		slog.Warn("payload does not match record shape", "id", b.ID, "err", err)
		out.Kind = KindMalformed
		return out
	}
	out.Kind = KindContent
	return out
}

// EncodeOutgoing serializes record under env. Any id key inside the
// payload is dropped; the envelope owns the id.
func EncodeOutgoing[T any](env OutgoingEnvelope, record T) (OutgoingBso, error) {
	if err := env.ID.Check(); err != nil {
		return OutgoingBso{}, err
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return OutgoingBso{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return OutgoingBso{}, err
	}
	delete(fields, "id")
	payload, err := json.Marshal(fields)
	if err != nil {
		return OutgoingBso{}, err
	}
	return OutgoingBso{OutgoingEnvelope: env, Payload: string(payload)}, nil
}

// NewTombstone builds the upload form of a deletion.
func NewTombstone(id guid.Guid) (OutgoingBso, error) {
	if err := id.Check(); err != nil {
		return OutgoingBso{}, err
	}
	return OutgoingBso{
		OutgoingEnvelope: OutgoingEnvelope{ID: id},
		Payload:          `{"deleted":true}`,
	}, nil
}

func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	default:
		// Arrays and objects count as set.
		return true
	}
}
