package devicesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/identity"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

// testHarness wires a Worker against a real BoltStore, a MemoryProvider,
// an in-memory replication client, and a MemoryTransport, with the
// primary sync group already created, bypassing the worker's own
// init() so individual methods can be exercised directly.
type testHarness struct {
	worker    *Worker
	store     storage.Store
	provider  *mls.MemoryProvider
	client    replication.Client
	transport *MemoryTransport
	broker    *events.Broker
	groupID   []byte
	self      []byte
}

func newTestHarness(t *testing.T, selfInstallationID string) *testHarness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := mls.NewMemoryProvider()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	client := replication.NewMemoryClient()
	transport := NewMemoryTransport()

	self := []byte(selfInstallationID)
	id := identity.New("inbox-1", self)
	id.MarkReady()

	groupID := []byte("primary-sync-group")
	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{ConversationType: types.ConversationSync})
		return err
	}))
	require.NoError(t, store.PutGroup(&types.Group{
		ID:               groupID,
		MembershipState:  types.MembershipAllowed,
		ConversationType: types.ConversationSync,
		AddedByInboxID:   "inbox-1",
	}))

	w := NewWorker(context.Background(), store, provider, client, broker, id, transport, Config{})
	w.setGroupID(groupID)

	return &testHarness{
		worker:    w,
		store:     store,
		provider:  provider,
		client:    client,
		transport: transport,
		broker:    broker,
		groupID:   groupID,
		self:      self,
	}
}

// storeSyncMessage persists a sync-group message as if it had already
// been decrypted and processed by the normal envelope pipeline, so
// handleRequest/earliestAcknowledger can scan it from storage without
// driving a real MLS transaction through the replication stream.
func (h *testHarness) storeSyncMessage(t *testing.T, sender []byte, seq uint64, sgm *wire.SyncGroupMessageV1) {
	t.Helper()
	proc := process.NewMessageProcessor(h.store, h.provider, h.broker, nil)
	_, err := proc.Process(types.GroupMessage{
		GroupID: h.groupID,
		Cursor:  types.Cursor{SequenceID: seq, OriginatorID: 0},
		PayloadBytes: mls.EncodeApplicationPayload(mls.ApplicationContent{
			ContentType:          "xmtp.org/devicesync",
			Bytes:                wire.MarshalSyncGroupMessage(sgm),
			SenderInstallationID: sender,
		}),
	})
	require.NoError(t, err)
}

func TestEarliestAcknowledgerPicksLowestSequence(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	h.storeSyncMessage(t, []byte("installation-other"), 1, &wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadAcknowledge,
		Acknowledge: &wire.SyncAcknowledgeV1{RequestID: "req-1"},
	})
	h.storeSyncMessage(t, h.self, 2, &wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadAcknowledge,
		Acknowledge: &wire.SyncAcknowledgeV1{RequestID: "req-1"},
	})

	winner, err := h.worker.earliestAcknowledger(h.groupID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "installation-other", winner)
}

func TestHandleRequestAbortsWhenAlreadyAcknowledgedByAnother(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	h.storeSyncMessage(t, []byte("installation-other"), 1, &wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadAcknowledge,
		Acknowledge: &wire.SyncAcknowledgeV1{RequestID: "req-1"},
	})

	err := h.worker.handleRequest(h.groupID, &wire.SyncGroupMessageV1{
		Kind:    wire.SyncPayloadRequest,
		Request: &wire.SyncRequestV1{RequestID: "req-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, h.transport.objects, "a request already acknowledged by another installation must not produce an archive upload")
}

func TestHandleRequestUploadsAndRepliesWhenUnacknowledged(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	err := h.worker.handleRequest(h.groupID, &wire.SyncGroupMessageV1{
		Kind:    wire.SyncPayloadRequest,
		Request: &wire.SyncRequestV1{RequestID: "req-2"},
	})
	require.NoError(t, err)
	assert.Len(t, h.transport.objects, 1, "an unacknowledged request must produce exactly one uploaded archive")
}

func TestHandleReplyIgnoresRequestsNotOwnedBySelf(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	url, err := h.transport.Upload(context.Background(), "req-foreign", []byte("irrelevant"))
	require.NoError(t, err)

	err = h.worker.handleReply(&wire.SyncGroupMessageV1{
		Kind: wire.SyncPayloadReply,
		Reply: &wire.SyncReplyV1{
			RequestID: "req-foreign",
			URL:       url,
		},
	})
	require.NoError(t, err)

	_, getErr := h.store.GetGroup([]byte("some-imported-group"))
	assert.Error(t, getErr, "nothing should have been imported for a reply to a request this installation never issued")
}

func TestHandleReplyImportsArchiveForOwnRequest(t *testing.T) {
	h := newTestHarness(t, "installation-self")
	h.worker.markIssued("req-3")

	importedGroupID := []byte("imported-group")
	srcStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = srcStore.Close() })
	require.NoError(t, srcStore.PutGroup(&types.Group{
		ID:               importedGroupID,
		ConversationType: types.ConversationGroup,
		AddedByInboxID:   "inbox-2",
	}))
	plaintext, err := BuildArchive(srcStore, nil)
	require.NoError(t, err)

	key := make([]byte, 32)
	sealed, err := EncryptArchive(key, plaintext)
	require.NoError(t, err)
	url, err := h.transport.Upload(context.Background(), "req-3", sealed)
	require.NoError(t, err)

	err = h.worker.handleReply(&wire.SyncGroupMessageV1{
		Kind: wire.SyncPayloadReply,
		Reply: &wire.SyncReplyV1{
			RequestID:     "req-3",
			URL:           url,
			EncryptionKey: key,
		},
	})
	require.NoError(t, err)

	got, err := h.store.GetGroup(importedGroupID)
	require.NoError(t, err)
	assert.Equal(t, "inbox-2", got.AddedByInboxID)
}

func TestApplyPreferencesPersistsEntries(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	err := h.worker.applyPreferences([]wire.PreferenceEntryV1{
		{Name: "theme", Value: "dark", UpdatedAtNS: 42},
	})
	require.NoError(t, err)

	pref, err := h.store.GetPreference("theme")
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.Equal(t, "dark", pref.Value)
}

func TestCycleHMACBroadcastsPreferenceUpdate(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	require.NoError(t, h.worker.cycleHMAC())

	pref, err := h.store.GetPreference(hmacPreferenceName)
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.NotEmpty(t, pref.Value)
}

func TestRequestWasOursSurvivesRestartViaPersistedRecord(t *testing.T) {
	h := newTestHarness(t, "installation-self")
	h.worker.markIssued("req-durable")

	// Simulate a restart: a fresh Worker over the same store has an
	// empty in-memory issuedRequests map.
	second := NewWorker(context.Background(), h.store, h.provider, h.client, h.broker, identity.New("inbox-1", h.self), h.transport, Config{})
	second.setGroupID(h.groupID)

	assert.True(t, second.requestWasOurs("req-durable"),
		"a request issued before a restart must still be recognized via the durable record")
	assert.False(t, second.requestWasOurs("req-never-issued"))
}

func TestRequestWasOursAcceptsAnyReplyWhenThisInstallationCreatedTheGroup(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	require.NoError(t, h.worker.createPrimaryGroup(h.groupID))

	assert.True(t, h.worker.requestWasOurs("req-nobody-issued"),
		"the installation that created the primary sync group must accept a reply even without a matching issued request")
}

func TestRequestWasOursRejectsUnownedRequestForAnInstallationThatDidNotCreateTheGroup(t *testing.T) {
	h := newTestHarness(t, "installation-self")
	// h's primary group was seeded directly by the test harness, not
	// via createPrimaryGroup, so no creator marker exists.
	assert.False(t, h.worker.requestWasOurs("req-foreign"))
}

func TestLegacyRequestAndReplyDispatchThroughTheSyncGroupMessageHandler(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	sgm := &wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadPreferenceUpdates,
		Preferences: []wire.PreferenceEntryV1{{Name: "theme", Value: "legacy-dark", UpdatedAtNS: 7}},
	}
	proc := process.NewMessageProcessor(h.store, h.provider, h.broker, nil)
	result, err := proc.Process(types.GroupMessage{
		GroupID: h.groupID,
		Cursor:  types.Cursor{SequenceID: 9, OriginatorID: 0},
		PayloadBytes: mls.EncodeApplicationPayload(mls.ApplicationContent{
			Bytes:                wire.MarshalSyncGroupMessage(sgm),
			SenderInstallationID: []byte("installation-other"),
		}),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Message)

	require.NoError(t, h.worker.handleLegacySyncMessage(result.Message.ID))

	pref, err := h.store.GetPreference("theme")
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.Equal(t, "legacy-dark", pref.Value)

	processed, err := h.store.IsDeviceSyncMessageProcessed(result.Message.ID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestHandleSyncGroupMessageIsIdempotent(t *testing.T) {
	h := newTestHarness(t, "installation-self")

	sgm := &wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadPreferenceUpdates,
		Preferences: []wire.PreferenceEntryV1{{Name: "theme", Value: "light", UpdatedAtNS: 1}},
	}
	proc := process.NewMessageProcessor(h.store, h.provider, h.broker, nil)
	result, err := proc.Process(types.GroupMessage{
		GroupID: h.groupID,
		Cursor:  types.Cursor{SequenceID: 1, OriginatorID: 0},
		PayloadBytes: mls.EncodeApplicationPayload(mls.ApplicationContent{
			Bytes:                wire.MarshalSyncGroupMessage(sgm),
			SenderInstallationID: []byte("installation-other"),
		}),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Message)

	require.NoError(t, h.worker.handleSyncGroupMessage(h.groupID, result.Message.ID))
	processedOnce, err := h.store.IsDeviceSyncMessageProcessed(result.Message.ID)
	require.NoError(t, err)
	assert.True(t, processedOnce)

	// A second call must be a no-op rather than re-applying the update.
	require.NoError(t, h.worker.handleSyncGroupMessage(h.groupID, result.Message.ID))
}
