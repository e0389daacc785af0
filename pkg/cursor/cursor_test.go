package cursor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/cursor"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLatestForTopicsDefaultsToZero(t *testing.T) {
	store := newTestStore(t)
	cs := cursor.New(store)

	topic := types.Topic{Kind: types.TopicKindGroupMessage, Entity: []byte("group-1")}
	tc, err := cs.LatestForTopics([]types.Topic{topic})
	require.NoError(t, err)

	got := tc.Get(topic)
	assert.True(t, got.IsZero(), "an untouched topic must report the zero cursor")
}

func TestAdvancePersistsHighWaterMark(t *testing.T) {
	store := newTestStore(t)
	cs := cursor.New(store)

	topic := types.Topic{Kind: types.TopicKindGroupMessage, Entity: []byte("group-1")}
	want := types.Cursor{SequenceID: 7, OriginatorID: 2}

	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topic, want)
	}))

	got, err := cs.LatestForTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLatestForTopicsIsPerTopic(t *testing.T) {
	store := newTestStore(t)
	cs := cursor.New(store)

	topicA := types.Topic{Kind: types.TopicKindGroupMessage, Entity: []byte("group-a")}
	topicB := types.Topic{Kind: types.TopicKindGroupMessage, Entity: []byte("group-b")}

	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topicA, types.Cursor{SequenceID: 3})
	}))

	tc, err := cs.LatestForTopics([]types.Topic{topicA, topicB})
	require.NoError(t, err)

	assert.Equal(t, types.Cursor{SequenceID: 3}, tc.Get(topicA))
	assert.True(t, tc.Get(topicB).IsZero())
}

func TestAdvanceOverwritesPreviousCursor(t *testing.T) {
	store := newTestStore(t)
	cs := cursor.New(store)
	topic := types.Topic{Kind: types.TopicKindWelcome, Entity: []byte("installation-1")}

	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topic, types.Cursor{SequenceID: 1})
	}))
	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topic, types.Cursor{SequenceID: 5})
	}))

	got, err := cs.LatestForTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.SequenceID)
}

func TestAdvanceRefusesToMoveCursorBackwards(t *testing.T) {
	store := newTestStore(t)
	cs := cursor.New(store)
	topic := types.Topic{Kind: types.TopicKindCommitLog, Entity: []byte("group-1")}

	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topic, types.Cursor{SequenceID: 10})
	}))
	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topic, types.Cursor{SequenceID: 4})
	}))

	got, err := cs.LatestForTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.SequenceID, "a lower sequence id must not overwrite a higher persisted cursor")
}
