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

func drainAll(t *testing.T, ch <-chan stream.AllMessagesItem, n int, timeout time.Duration) []stream.AllMessagesItem {
	t.Helper()
	out := make([]stream.AllMessagesItem, 0, n)
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

func TestAllMessagesStreamDeliversMessagesFromAMaterializedWelcome(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	client := replication.NewMemoryClient()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	installationKey := []byte("installation-1")
	groupID := []byte("group-1")
	newTestGroup(t, store, provider, groupID)

	c := client.PublishWelcomeRaw(installationKey, []byte("hpke"))
	provider.QueueWelcome(c, &mls.WelcomeOutcome{GroupID: groupID})

	processor := process.NewMessageProcessor(store, provider, broker, nil)
	cursors := cursor.New(store)

	s, err := stream.NewAllMessagesStream(context.Background(), client, store, cursors, provider, processor, broker, installationKey, process.WelcomeFilter{})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client.PublishGroupMessageRaw(groupID, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("hello")}))

	items := drainAll(t, s.Items(), 1, 2*time.Second)
	require.NoError(t, items[0].Err)
	require.NotNil(t, items[0].Message)
	assert.Equal(t, []byte("hello"), items[0].Message.DecryptedMessageBytes)
}

func TestAllMessagesStreamRoutesSyncGroupMessagesToBrokerInsteadOfItems(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	client := replication.NewMemoryClient()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	installationKey := []byte("installation-1")
	groupID := []byte("sync-group")
	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return tx.PutGroup(&types.Group{ID: groupID, ConversationType: types.ConversationSync, MembershipState: types.MembershipAllowed})
	}))
	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{ConversationType: types.ConversationSync})
		return err
	}))

	syncEvents := broker.Subscribe()

	processor := process.NewMessageProcessor(store, provider, broker, nil)
	cursors := cursor.New(store)

	s, err := stream.NewAllMessagesStream(context.Background(), client, store, cursors, provider, processor, broker, installationKey, process.WelcomeFilter{})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client.PublishGroupMessageRaw(groupID, mls.EncodeApplicationPayload(mls.ApplicationContent{Bytes: []byte("sync-payload")}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-syncEvents:
			if e.Type == events.EventNewSyncGroupMessage {
				assert.Equal(t, groupID, e.GroupID)
				return
			}
		case item := <-s.Items():
			t.Fatalf("sync-group message must not be delivered on Items(): %+v", item)
		case <-deadline:
			t.Fatal("timed out waiting for EventNewSyncGroupMessage")
		}
	}
}
