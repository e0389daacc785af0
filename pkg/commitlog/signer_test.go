package commitlog_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/commitlog"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

func commitLogDigest(e types.CommitLogEntry) []byte {
	return wire.MarshalCommitLogEntry(&wire.PlaintextCommitLogEntry{
		GroupID:                   e.GroupID,
		CommitSequenceID:          e.CommitSequenceID,
		LastEpochAuthenticator:    e.LastEpochAuthenticator,
		CommitResult:              int32(e.CommitResult),
		AppliedEpochNumber:        e.AppliedEpochNumber,
		AppliedEpochAuthenticator: e.AppliedEpochAuthenticator,
	})
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSignCommitLogEntryGeneratesAndReusesLocalKey(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	groupID := []byte("group-1")

	require.NoError(t, store.PutGroup(&types.Group{ID: groupID}))
	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{})
		return err
	}))

	signer := commitlog.NewSigner(store, provider)

	entry := types.CommitLogEntry{GroupID: groupID, CommitSequenceID: 1, CommitResult: types.CommitResultApplied}
	signed1, err := signer.SignCommitLogEntry(groupID, entry)
	require.NoError(t, err)

	signed2, err := signer.SignCommitLogEntry(groupID, entry)
	require.NoError(t, err)

	assert.Equal(t, signed1.PublicKey, signed2.PublicKey, "repeated signing for the same group must reuse the same key")
}

func TestSignCommitLogEntryProducesVerifiableSignature(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	groupID := []byte("group-1")

	require.NoError(t, store.PutGroup(&types.Group{ID: groupID}))
	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{})
		return err
	}))

	signer := commitlog.NewSigner(store, provider)
	entry := types.CommitLogEntry{GroupID: groupID, CommitSequenceID: 1, CommitResult: types.CommitResultApplied}
	signed, err := signer.SignCommitLogEntry(groupID, entry)
	require.NoError(t, err)

	digest := commitLogDigest(signed.Entry)
	assert.True(t, ed25519.Verify(signed.PublicKey, digest, signed.Signature))
}

func TestEnsureGroupSigningKeyWrittenToMutableMetadata(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	groupID := []byte("group-1")

	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{})
		return err
	}))

	signer := commitlog.NewSigner(store, provider)
	pub, err := signer.EnsureGroupSigningKey(groupID)
	require.NoError(t, err)
	assert.Len(t, pub, ed25519.PublicKeySize)

	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		h, err := tx.LoadGroup(groupID)
		require.NoError(t, err)
		v, ok := h.ReadMutableMetadata("commit_log_signer")
		assert.True(t, ok)
		assert.Len(t, v, ed25519.PrivateKeySize)
		return nil
	}))
}

func TestSignCommitLogEntryDeclinesWhenLocalKeyDoesNotMatchConsensus(t *testing.T) {
	store := newTestStore(t)
	provider := mls.NewMemoryProvider()
	groupID := []byte("group-1")

	require.NoError(t, provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{})
		return err
	}))

	// A different, unrelated public key is already the group's consensus
	// key, and this installation has no matching local or metadata key.
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, store.PutGroup(&types.Group{ID: groupID, CommitLogPublicKey: otherPub}))

	signer := commitlog.NewSigner(store, provider)
	_, err = signer.SignCommitLogEntry(groupID, types.CommitLogEntry{GroupID: groupID, CommitSequenceID: 1})
	assert.Error(t, err)
}
