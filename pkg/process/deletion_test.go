package process_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
)

type fakeAuthority struct {
	superAdmins map[string]bool // "group-hex:inbox" -> true
}

func (f *fakeAuthority) IsSuperAdmin(groupID []byte, inboxID string) (bool, error) {
	return f.superAdmins[string(groupID)+":"+inboxID], nil
}

func seedMessage(t *testing.T, store storage.Store, groupID []byte, senderInboxID string) [32]byte {
	t.Helper()
	id := [32]byte{}
	copy(id[:], []byte("message-id-"+senderInboxID))
	require.NoError(t, store.Transact(func(tx storage.Tx) error {
		return tx.PutMessage(&types.StoredGroupMessage{
			ID:            id,
			GroupID:       groupID,
			SenderInboxID: senderInboxID,
		})
	}))
	return id
}

func TestDeleteMessageBySenderAuthorized(t *testing.T) {
	store := newTestStore(t)
	groupID := []byte("group-1")
	msgID := seedMessage(t, store, groupID, "alice")

	editStore := process.NewEditStore(store, &fakeAuthority{})
	err := editStore.DeleteMessage(&types.MessageDeletion{
		OriginalMessageID: msgID,
		GroupID:           groupID,
		DeletedByInboxID:  "alice",
	})
	require.NoError(t, err)

	require.NoError(t, store.View(func(tx storage.Tx) error {
		del, err := tx.GetMessageDeletion(msgID)
		require.NoError(t, err)
		require.NotNil(t, del)
		assert.False(t, del.IsSuperAdminDeletion)
		return nil
	}))
}

func TestDeleteMessageBySuperAdminAuthorized(t *testing.T) {
	store := newTestStore(t)
	groupID := []byte("group-1")
	msgID := seedMessage(t, store, groupID, "alice")

	authority := &fakeAuthority{superAdmins: map[string]bool{string(groupID) + ":bob": true}}
	editStore := process.NewEditStore(store, authority)

	err := editStore.DeleteMessage(&types.MessageDeletion{
		OriginalMessageID: msgID,
		GroupID:           groupID,
		DeletedByInboxID:  "bob",
	})
	require.NoError(t, err)

	require.NoError(t, store.View(func(tx storage.Tx) error {
		del, err := tx.GetMessageDeletion(msgID)
		require.NoError(t, err)
		require.NotNil(t, del)
		assert.True(t, del.IsSuperAdminDeletion)
		return nil
	}))
}

func TestDeleteMessageUnauthorizedRejected(t *testing.T) {
	store := newTestStore(t)
	groupID := []byte("group-1")
	msgID := seedMessage(t, store, groupID, "alice")

	editStore := process.NewEditStore(store, &fakeAuthority{})
	err := editStore.DeleteMessage(&types.MessageDeletion{
		OriginalMessageID: msgID,
		GroupID:           groupID,
		DeletedByInboxID:  "mallory",
	})
	require.ErrorIs(t, err, process.ErrNotAuthorized)

	require.NoError(t, store.View(func(tx storage.Tx) error {
		del, err := tx.GetMessageDeletion(msgID)
		require.NoError(t, err)
		assert.Nil(t, del, "unauthorized deletion must not be recorded")
		return nil
	}))
}

func TestGetLatestEditsForMessagesReturnsMaxByEditedAt(t *testing.T) {
	store := newTestStore(t)
	groupID := []byte("group-1")
	msgID := seedMessage(t, store, groupID, "alice")

	editStore := process.NewEditStore(store, &fakeAuthority{})

	edit1ID := [32]byte{1}
	edit2ID := [32]byte{2}
	require.NoError(t, editStore.CreateEdit(&types.MessageEdit{
		ID:                edit1ID,
		GroupID:           groupID,
		OriginalMessageID: msgID,
		EditedByInboxID:   "alice",
		EditedContent:     []byte("first edit"),
		EditedAtNS:        2000,
	}))
	require.NoError(t, editStore.CreateEdit(&types.MessageEdit{
		ID:                edit2ID,
		GroupID:           groupID,
		OriginalMessageID: msgID,
		EditedByInboxID:   "alice",
		EditedContent:     []byte("second edit"),
		EditedAtNS:        4000,
	}))

	latest, err := editStore.GetLatestEditsForMessages([][32]byte{msgID})
	require.NoError(t, err)
	require.Contains(t, latest, msgID)
	assert.Equal(t, int64(4000), latest[msgID].EditedAtNS)
	assert.Equal(t, []byte("second edit"), latest[msgID].EditedContent)
}

func TestGetLatestEditsForMessagesOmitsUneditedMessages(t *testing.T) {
	store := newTestStore(t)
	groupID := []byte("group-1")
	msgID := seedMessage(t, store, groupID, "alice")

	editStore := process.NewEditStore(store, &fakeAuthority{})
	latest, err := editStore.GetLatestEditsForMessages([][32]byte{msgID})
	require.NoError(t, err)
	assert.NotContains(t, latest, msgID)
}

func TestCreateEditRejectedForDeletedMessage(t *testing.T) {
	store := newTestStore(t)
	groupID := []byte("group-1")
	msgID := seedMessage(t, store, groupID, "alice")

	editStore := process.NewEditStore(store, &fakeAuthority{})
	require.NoError(t, editStore.DeleteMessage(&types.MessageDeletion{
		OriginalMessageID: msgID,
		GroupID:           groupID,
		DeletedByInboxID:  "alice",
	}))

	err := editStore.CreateEdit(&types.MessageEdit{
		ID:                [32]byte{9},
		GroupID:           groupID,
		OriginalMessageID: msgID,
		EditedByInboxID:   "alice",
		EditedContent:     []byte("too late"),
		EditedAtNS:        5000,
	})
	require.Error(t, err)
}
