// Package invalidation broadcasts cache invalidations between service
// instances over Google Cloud Pub/Sub. The instance that performs a mutation
// invalidates its own cache directly and publishes the affected key prefixes;
// every other instance receives them and invalidates its local cache.
package invalidation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
)

// OriginAttribute names the Pub/Sub attribute carrying the publisher's ID.
const OriginAttribute = "origin"

// Message is the JSON payload published for one mutation.
type Message struct {
	Prefixes []querycache.Key `json:"prefixes"`
	Reason   string           `json:"reason,omitempty"`
	IssuedAt time.Time        `json:"issuedAt"`
}

// Invalidator is implemented by anything that can invalidate key prefixes,
// such as *querycache.Cache.
type Invalidator interface {
	Invalidate(prefix querycache.Key) (int, error)
}

// Encode validates the prefixes and marshals the message.
func (m Message) Encode() ([]byte, error) {
	if len(m.Prefixes) == 0 {
		return nil, fmt.Errorf("invalidation message has no prefixes")
	}
	for _, p := range m.Prefixes {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

// DecodeMessage parses a payload produced by Encode. Numeric segments decode
// as int64 when integral so large identifiers keep their precision.
func DecodeMessage(payload []byte) (Message, error) {
	var raw struct {
		Prefixes [][]any  `json:"prefixes"`
		Reason   string    `json:"reason"`
		IssuedAt time.Time `json:"issuedAt"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Message{}, fmt.Errorf("failed to decode invalidation message: %w", err)
	}
	if len(raw.Prefixes) == 0 {
		return Message{}, fmt.Errorf("invalidation message has no prefixes")
	}

	msg := Message{Reason: raw.Reason, IssuedAt: raw.IssuedAt}
	for _, segs := range raw.Prefixes {
		key := make(querycache.Key, len(segs))
		for i, seg := range segs {
			if n, ok := seg.(json.Number); ok {
				if iv, err := n.Int64(); err == nil {
					key[i] = iv
					continue
				}
				fv, err := n.Float64()
				if err != nil {
					return Message{}, fmt.Errorf("invalid numeric segment %q: %w", n, err)
				}
				key[i] = fv
				continue
			}
			key[i] = seg
		}
		if err := key.Validate(); err != nil {
			return Message{}, err
		}
		msg.Prefixes = append(msg.Prefixes, key)
	}
	return msg, nil
}
