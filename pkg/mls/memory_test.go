package mls_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/types"
)

func TestLoadGroupBeforeCreateReturnsErrGroupNotFound(t *testing.T) {
	p := mls.NewMemoryProvider()
	err := p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		_, err := tx.LoadGroup([]byte("group-1"))
		return err
	})
	assert.ErrorIs(t, err, mls.ErrGroupNotFound)
}

func TestCreateGroupThenLoadSucceeds(t *testing.T) {
	p := mls.NewMemoryProvider()
	err := p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup([]byte("group-1"), mls.CreateGroupParams{ConversationType: types.ConversationGroup})
		return err
	})
	require.NoError(t, err)

	err = p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup([]byte("group-1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("group-1"), h.GroupID())
		assert.Equal(t, uint64(0), h.EpochNumber())
		return nil
	})
	require.NoError(t, err)
}

func TestProcessApplicationMessageRoundTrip(t *testing.T) {
	p := mls.NewMemoryProvider()
	require.NoError(t, p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup([]byte("group-1"), mls.CreateGroupParams{})
		return err
	}))

	payload := mls.EncodeApplicationPayload(mls.ApplicationContent{
		ContentType: "text",
		Bytes:       []byte("hello"),
	})

	err := p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup([]byte("group-1"))
		require.NoError(t, err)
		outcome, err := h.ProcessIncomingMessage(payload)
		require.NoError(t, err)
		assert.Equal(t, mls.OutcomeApplication, outcome.Kind)
		assert.Equal(t, []byte("hello"), outcome.Application.Bytes)
		return nil
	})
	require.NoError(t, err)
}

func TestProcessCommitAdvancesEpochAndChangesAuthenticator(t *testing.T) {
	p := mls.NewMemoryProvider()
	require.NoError(t, p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup([]byte("group-1"), mls.CreateGroupParams{})
		return err
	}))

	var before, after []byte
	err := p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup([]byte("group-1"))
		require.NoError(t, err)
		before = h.EpochAuthenticator()

		outcome, err := h.ProcessIncomingMessage(mls.EncodeCommitPayload(1, true, nil))
		require.NoError(t, err)
		assert.Equal(t, mls.OutcomeCommitApplied, outcome.Kind)
		assert.Equal(t, types.CommitResultApplied, outcome.CommitResult)
		assert.Equal(t, uint64(1), outcome.AppliedEpochNumber)

		after = h.EpochAuthenticator()
		assert.Equal(t, uint64(1), h.EpochNumber())
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestProcessCommitWrongEpochFailsWithoutAdvancing(t *testing.T) {
	p := mls.NewMemoryProvider()
	require.NoError(t, p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup([]byte("group-1"), mls.CreateGroupParams{})
		return err
	}))

	err := p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup([]byte("group-1"))
		require.NoError(t, err)

		outcome, err := h.ProcessIncomingMessage(mls.EncodeCommitPayload(5, true, nil))
		require.NoError(t, err)
		assert.Equal(t, mls.OutcomeCommitFailed, outcome.Kind)
		assert.Equal(t, types.CommitResultWrongEpoch, outcome.CommitResult)
		assert.Equal(t, uint64(0), h.EpochNumber(), "a rejected commit must not advance the epoch")
		return nil
	})
	require.NoError(t, err)
}

func TestProcessCommitInvalidFails(t *testing.T) {
	p := mls.NewMemoryProvider()
	require.NoError(t, p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup([]byte("group-1"), mls.CreateGroupParams{})
		return err
	}))

	err := p.Transaction([]byte("group-1"), func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup([]byte("group-1"))
		require.NoError(t, err)
		outcome, err := h.ProcessIncomingMessage(mls.EncodeCommitPayload(1, false, nil))
		require.NoError(t, err)
		assert.Equal(t, mls.OutcomeCommitFailed, outcome.Kind)
		assert.Equal(t, types.CommitResultInvalid, outcome.CommitResult)
		return nil
	})
	require.NoError(t, err)
}

func TestMutableMetadataWriteVisibleWithinAndAcrossTransactions(t *testing.T) {
	p := mls.NewMemoryProvider()
	groupID := []byte("group-1")
	require.NoError(t, p.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{})
		return err
	}))

	require.NoError(t, p.Transaction(groupID, func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup(groupID)
		require.NoError(t, err)
		_, ok := h.ReadMutableMetadata("commit_log_signer")
		assert.False(t, ok)
		h.WriteMutableMetadata("commit_log_signer", []byte("pubkey"))
		v, ok := h.ReadMutableMetadata("commit_log_signer")
		assert.True(t, ok)
		assert.Equal(t, []byte("pubkey"), v)
		return nil
	}))

	require.NoError(t, p.Transaction(groupID, func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup(groupID)
		require.NoError(t, err)
		v, ok := h.ReadMutableMetadata("commit_log_signer")
		assert.True(t, ok, "mutable metadata must persist across transactions")
		assert.Equal(t, []byte("pubkey"), v)
		return nil
	}))
}

func TestDecryptWelcomeUsesQueuedOutcome(t *testing.T) {
	p := mls.NewMemoryProvider()
	cursor := types.Cursor{SequenceID: 1, OriginatorID: 2}
	want := &mls.WelcomeOutcome{GroupID: []byte("group-1"), AddedByInboxID: "inbox-1"}
	p.QueueWelcome(cursor, want)

	got, err := p.DecryptWelcome(&types.WelcomeMessage{Cursor: cursor})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecryptWelcomeWithoutQueuedOutcomeFails(t *testing.T) {
	p := mls.NewMemoryProvider()
	_, err := p.DecryptWelcome(&types.WelcomeMessage{Cursor: types.Cursor{SequenceID: 9}})
	assert.ErrorIs(t, err, mls.ErrWelcomeInvalid)
}
