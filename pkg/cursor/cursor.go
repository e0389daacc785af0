// Package cursor is the read path over the durable high-water marks
// that every stream and worker in the engine consumes to resume after
// a restart. Store is the read side; writes go through Advance, which
// callers (see pkg/process) run inside the same storage transaction
// that persists the decoded output the cursor gates.
package cursor

import (
	"fmt"

	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
)

// Store is the narrow, typed read interface over the durable cursor
// table. It deliberately does not expose a generic get/put: callers
// ask for cursors by topic and get the engine's Cursor type back, not
// raw bytes.
type Store struct {
	db storage.Store
}

// New wraps a storage.Store with the cursor read path.
func New(db storage.Store) *Store {
	return &Store{db: db}
}

// LatestForTopics returns the highest persisted cursor for each of the
// given topics. A topic with no persisted cursor is mapped to the zero
// Cursor; the returned map always has one entry per requested topic.
func (s *Store) LatestForTopics(topics []types.Topic) (types.TopicCursor, error) {
	out := make(types.TopicCursor, len(topics))
	err := s.db.View(func(tx storage.Tx) error {
		for _, topic := range topics {
			c, err := tx.GetCursor(topic)
			if err != nil {
				return err
			}
			out.Set(topic, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestForTopic is a single-topic convenience wrapper around
// LatestForTopics.
func (s *Store) LatestForTopic(topic types.Topic) (types.Cursor, error) {
	tc, err := s.LatestForTopics([]types.Topic{topic})
	if err != nil {
		return types.Cursor{}, err
	}
	return tc.Get(topic), nil
}

// Advance persists cursor as the new high-water mark for topic, inside
// tx's transaction. Callers (pkg/process) call this as the last step
// of the same transaction that persists the message or group state the
// cursor protects: a cursor must never advance past an envelope whose
// processing isn't durably recorded.
//
// A caller that tries to move a cursor backwards has a bug upstream
// (a re-delivered envelope routed through the advance path instead of
// being deduplicated beforehand); Advance refuses the write and logs
// instead of silently corrupting the resume position.
func Advance(tx storage.Tx, topic types.Topic, c types.Cursor) error {
	current, err := tx.GetCursor(topic)
	if err != nil {
		return err
	}
	if c.OriginatorID == current.OriginatorID && c.Less(current) {
		log.WithTopic(topicLabel(topic)).Error().
			Uint64("current_sequence_id", current.SequenceID).
			Uint64("attempted_sequence_id", c.SequenceID).
			Msg("cursor advance would move backwards, ignoring")
		return nil
	}
	return tx.SetCursor(topic, c)
}

func topicLabel(topic types.Topic) string {
	return fmt.Sprintf("%s:%x", topic.Kind, topic.Entity)
}
