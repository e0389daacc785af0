package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/cursor"
	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/stream"
	"github.com/xmtp/mlsengine/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestGroup(t *testing.T, store storage.Store, provider mls.Provider, groupID []byte) {
	t.Helper()
	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return tx.PutGroup(&types.Group{ID: groupID, MembershipState: types.MembershipAllowed})
	}))
	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{ConversationType: types.ConversationGroup})
		return err
	}))
}

func drain(t *testing.T, ch <-chan stream.GroupMessageItem, n int, timeout time.Duration) []stream.GroupMessageItem {
	t.Helper()
	out := make([]stream.GroupMessageItem, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case item := <-ch:
			out = append(out, item)
		case <-deadline:
			t.Fatalf("timed out waiting for %d items, got %d", n, len(out))
		}
	}
	return out
}

// TestGroupMessageStreamDeliversInOrder checks that two application
// messages sent in order are delivered in that order with their exact
// bytes.
func TestGroupMessageStreamDeliversInOrder(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	client := replication.NewMemoryClient()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	groupID := []byte("group-1")
	newTestGroup(t, store, provider, groupID)

	processor := process.NewMessageProcessor(store, provider, broker, nil)
	cursors := cursor.New(store)

	s, err := stream.NewGroupMessageStream(context.Background(), client, store, cursors, processor, [][]byte{groupID})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client.PublishGroupMessageRaw(groupID, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("hello")}))
	client.PublishGroupMessageRaw(groupID, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("goodbye")}))

	items := drain(t, s.Items(), 2, 2*time.Second)
	require.NoError(t, items[0].Err)
	require.NoError(t, items[1].Err)
	assert.Equal(t, []byte("hello"), items[0].Message.DecryptedMessageBytes)
	assert.Equal(t, []byte("goodbye"), items[1].Message.DecryptedMessageBytes)
	assert.Equal(t, types.MessageKindApplication, items[0].Message.Kind)
}

// TestGroupMessageStreamSkipsAlreadyStoredOnRestart checks
// at-most-once delivery across a restart: seeding the seen set from
// storage must prevent replay of an already-persisted message.
func TestGroupMessageStreamSkipsAlreadyStoredOnRestart(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	client := replication.NewMemoryClient()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	groupID := []byte("group-1")
	newTestGroup(t, store, provider, groupID)

	processor := process.NewMessageProcessor(store, provider, broker, nil)
	cursors := cursor.New(store)

	first, err := stream.NewGroupMessageStream(context.Background(), client, store, cursors, processor, [][]byte{groupID})
	require.NoError(t, err)

	client.PublishGroupMessageRaw(groupID, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("hello")}))
	items := drain(t, first.Items(), 1, 2*time.Second)
	require.NoError(t, items[0].Err)
	first.Close()

	second, err := stream.NewGroupMessageStream(context.Background(), client, store, cursors, processor, [][]byte{groupID})
	require.NoError(t, err)
	t.Cleanup(second.Close)

	client.PublishGroupMessageRaw(groupID, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("goodbye")}))
	items2 := drain(t, second.Items(), 1, 2*time.Second)
	require.NoError(t, items2[0].Err)
	assert.Equal(t, []byte("goodbye"), items2[0].Message.DecryptedMessageBytes,
		"restart must not redeliver the already-stored 'hello' message")
}

// TestGroupMessageStreamAddPreservesOrdering checks that a group added
// mid-stream starts from its persisted cursor, and a message published
// before Add is still delivered (not skipped).
func TestGroupMessageStreamAddPreservesOrdering(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	client := replication.NewMemoryClient()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	groupA := []byte("group-a")
	groupB := []byte("group-b")
	newTestGroup(t, store, provider, groupA)
	newTestGroup(t, store, provider, groupB)

	processor := process.NewMessageProcessor(store, provider, broker, nil)
	cursors := cursor.New(store)

	s, err := stream.NewGroupMessageStream(context.Background(), client, store, cursors, processor, [][]byte{groupA})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client.PublishGroupMessageRaw(groupB, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("before-add")}))

	s.Add(groupB)

	items := drain(t, s.Items(), 1, 2*time.Second)
	require.NoError(t, items[0].Err)
	assert.Equal(t, []byte("before-add"), items[0].Message.DecryptedMessageBytes)
	assert.Equal(t, groupB, items[0].Message.GroupID)
}
