// Package envelope sniffs and decodes the two wire shapes the
// replication service may deliver: the legacy single-message shape
// and the federated multi-envelope shape, the latter enforcing
// `depends_on` ordering via an icebox.
package envelope

import (
	"errors"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

// ErrInvalidPayload is returned when data matches neither the legacy
// nor the federated wire shape. The Group-Message Stream surfaces it as
// non-retryable and keeps its current subscription; no cursor advances
// for the rejected payload.
var ErrInvalidPayload = errors.New("envelope: payload matches neither legacy nor federated wire shape")

// maxIceboxAge bounds how many further federated envelopes may be
// observed on this extractor before an iceboxed envelope is dropped.
// Bounded by count rather than wall-clock age, since re-subscription
// already gives the client a second, independent recovery path.
const maxIceboxAge = 500

type icedEnvelope struct {
	msg *types.GroupMessage
	age int
}

// Extractor is stateful per-stream: it remembers which cursors it has
// already emitted (to release iceboxed dependents) and which
// federated envelopes are still waiting on a predecessor. It is not
// safe for concurrent use from multiple goroutines; each stream owns
// its own Extractor.
type Extractor struct {
	observed map[string]bool
	icebox   map[string][]*icedEnvelope
}

// New creates an empty Extractor.
func New() *Extractor {
	return &Extractor{
		observed: make(map[string]bool),
		icebox:   make(map[string][]*icedEnvelope),
	}
}

func cursorKey(seq uint64, originator uint32) string {
	return fmt.Sprintf("%d:%d", seq, originator)
}

// Extract decodes data and returns every normalized GroupMessage that
// is ready to be processed, in dependency-satisfied order. A federated
// envelope whose depends_on predecessor hasn't been observed yet is
// iceboxed and omitted from the returned slice until a later Extract
// call observes that predecessor (or the entry ages out).
func (e *Extractor) Extract(data []byte) ([]types.GroupMessage, error) {
	switch wire.Sniff(data) {
	case wire.FormatLegacy:
		v1, err := wire.UnmarshalLegacyGroupMessage(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		msg := types.GroupMessage{
			GroupID:      v1.GroupID,
			Cursor:       types.Cursor{SequenceID: v1.ID, OriginatorID: 0},
			PayloadBytes: v1.Data,
			OriginatorNS: v1.CreatedNS,
		}
		e.markObserved(msg.Cursor)
		return []types.GroupMessage{msg}, nil

	case wire.FormatFederated:
		envelopes, err := wire.UnmarshalFederatedBatch(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return e.extractFederated(envelopes)

	default:
		return nil, ErrInvalidPayload
	}
}

func (e *Extractor) extractFederated(envelopes []*wire.OriginatorEnvelope) ([]types.GroupMessage, error) {
	var ready []types.GroupMessage

	e.ageIcebox(len(envelopes))

	for _, oe := range envelopes {
		unsigned, client, err := wire.DecodeOriginatorEnvelope(oe)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		msg := types.GroupMessage{
			GroupID:      client.AAD.TargetTopic,
			Cursor:       types.Cursor{SequenceID: unsigned.OriginatorSequenceID, OriginatorID: unsigned.OriginatorNodeID},
			PayloadBytes: client.Payload,
			OriginatorNS: unsigned.OriginatorNS,
		}

		if client.AAD.HasDependsOn && !e.isObserved(client.AAD.DependsOnSequenceID, client.AAD.DependsOnOriginatorID) {
			key := cursorKey(client.AAD.DependsOnSequenceID, client.AAD.DependsOnOriginatorID)
			e.icebox[key] = append(e.icebox[key], &icedEnvelope{msg: &msg})
			continue
		}

		e.release(&msg, &ready)
	}

	return ready, nil
}

// release marks msg's cursor observed, appends it to ready, and then
// recursively releases every iceboxed envelope that was waiting on
// this cursor, in arrival order. Multiple envelopes may share the same
// dependency, so all waiters for the key are released, not just one.
func (e *Extractor) release(msg *types.GroupMessage, ready *[]types.GroupMessage) {
	e.markObserved(msg.Cursor)
	*ready = append(*ready, *msg)

	key := cursorKey(msg.Cursor.SequenceID, msg.Cursor.OriginatorID)
	waiting, ok := e.icebox[key]
	if !ok {
		return
	}
	delete(e.icebox, key)
	for _, w := range waiting {
		e.release(w.msg, ready)
	}
}

func (e *Extractor) markObserved(c types.Cursor) {
	e.observed[cursorKey(c.SequenceID, c.OriginatorID)] = true
}

func (e *Extractor) isObserved(seq uint64, originator uint32) bool {
	return e.observed[cursorKey(seq, originator)]
}

// ageIcebox advances every iceboxed entry's age by n and drops any
// entry that has aged past maxIceboxAge.
func (e *Extractor) ageIcebox(n int) {
	for key, waiters := range e.icebox {
		live := waiters[:0]
		for _, entry := range waiters {
			entry.age += n
			if entry.age <= maxIceboxAge {
				live = append(live, entry)
			}
		}
		if len(live) == 0 {
			delete(e.icebox, key)
		} else {
			e.icebox[key] = live
		}
	}
}

// Reset clears all icebox and observed-cursor state, e.g. when a
// stream re-subscribes from a fresh cursor set.
func (e *Extractor) Reset() {
	e.observed = make(map[string]bool)
	e.icebox = make(map[string][]*icedEnvelope)
}
