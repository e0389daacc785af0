package replication_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

func TestMemoryClientPublishAndSubscribeGroupMessages(t *testing.T) {
	client := replication.NewMemoryClient()
	groupID := []byte("group-1")

	cur := client.PublishGroupMessageRaw(groupID, []byte("hello"))
	assert.Equal(t, uint64(1), cur.SequenceID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.SubscribeGroupMessages(ctx, [][]byte{groupID}, types.TopicCursor{})
	require.NoError(t, err)
	defer stream.Close()

	raw, err := stream.Recv()
	require.NoError(t, err)

	msg, err := wire.UnmarshalLegacyGroupMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Data)
}

func TestMemoryClientSubscribeGroupMessagesHonorsStartingCursor(t *testing.T) {
	client := replication.NewMemoryClient()
	groupID := []byte("group-1")

	client.PublishGroupMessageRaw(groupID, []byte("first"))
	client.PublishGroupMessageRaw(groupID, []byte("second"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := types.Topic{Kind: types.TopicKindGroupMessage, Entity: groupID}
	cursors := types.TopicCursor{}
	cursors.Set(topic, types.Cursor{SequenceID: 1})

	stream, err := client.SubscribeGroupMessages(ctx, [][]byte{groupID}, cursors)
	require.NoError(t, err)
	defer stream.Close()

	raw, err := stream.Recv()
	require.NoError(t, err)
	msg, err := wire.UnmarshalLegacyGroupMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), msg.Data, "subscribing from cursor 1 must skip the already-seen first message")
}

func TestMemoryClientSubscribeWelcomeMessages(t *testing.T) {
	client := replication.NewMemoryClient()
	client.PublishWelcomeRaw([]byte("installation-1"), []byte("ciphertext"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.SubscribeWelcomeMessages(ctx, []byte("installation-1"))
	require.NoError(t, err)
	defer stream.Close()

	raw, err := stream.Recv()
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestMemoryClientRecvBlocksUntilPublishThenWakes(t *testing.T) {
	client := replication.NewMemoryClient()
	groupID := []byte("group-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.SubscribeGroupMessages(ctx, [][]byte{groupID}, types.TopicCursor{})
	require.NoError(t, err)
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		_, err := stream.Recv()
		assert.NoError(t, err)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	client.PublishGroupMessageRaw(groupID, []byte("hello"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake after publish")
	}
}

func TestMemoryClientRecvReturnsErrOnContextCancel(t *testing.T) {
	client := replication.NewMemoryClient()
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := client.SubscribeGroupMessages(ctx, [][]byte{[]byte("group-1")}, types.TopicCursor{})
	require.NoError(t, err)
	defer stream.Close()

	cancel()
	_, err = stream.Recv()
	assert.Error(t, err)
}

func TestMemoryClientCommitLogPublishAndQuery(t *testing.T) {
	client := replication.NewMemoryClient()
	groupID := []byte("group-1")

	entry := &wire.SignedCommitLogEntry{
		Entry:     &wire.PlaintextCommitLogEntry{GroupID: groupID, CommitSequenceID: 1},
		PublicKey: []byte("pub"),
		Signature: []byte("sig"),
	}
	require.NoError(t, client.PublishCommitLog(context.Background(), []*wire.SignedCommitLogEntry{entry}))

	out, err := client.QueryCommitLog(context.Background(), []wire.GroupCommitLogQuery{{GroupID: groupID, AfterSequenceID: 0}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].Entry.CommitSequenceID)

	out, err = client.QueryCommitLog(context.Background(), []wire.GroupCommitLogQuery{{GroupID: groupID, AfterSequenceID: 1}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryClientGetInboxIDs(t *testing.T) {
	client := replication.NewMemoryClient()
	client.SetInboxID("wallet-1", "inbox-1")

	out, err := client.GetInboxIDs(context.Background(), []string{"wallet-1", "wallet-2"})
	require.NoError(t, err)
	assert.Equal(t, "inbox-1", out["wallet-1"])
	_, ok := out["wallet-2"]
	assert.False(t, ok)
}
