// Package commitlog implements the per-group signed append-only commit
// log: key agreement for who may sign entries, a publish worker that
// uploads locally produced entries, and a download worker that
// cross-checks the remote log against local state and flags
// divergence. The two background loops follow the engine's usual
// worker-loop idiom.
package commitlog

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

// commitLogSignerMetadataKey is the mutable-metadata key a group's
// creator writes its Ed25519 private key under, so every welcomed
// installation can read the same key from mutable metadata.
const commitLogSignerMetadataKey = "commit_log_signer"

// Signer implements process.CommitLogSigner, running the key-selection
// algorithm below against this installation's local MLS key overlay
// and the group's mutable metadata.
type Signer struct {
	store    storage.Store
	provider mls.Provider
}

// NewSigner builds a Signer.
func NewSigner(store storage.Store, provider mls.Provider) *Signer {
	return &Signer{store: store, provider: provider}
}

var _ process.CommitLogSigner = (*Signer)(nil)

func localKeyLabel(groupID []byte) string {
	return fmt.Sprintf("commit_log_signer/%x", groupID)
}

// EnsureGroupSigningKey generates a fresh Ed25519 key pair for groupID,
// writes the private key into the group's mutable metadata so every
// future welcomed installation can read it, and caches a local copy so
// SignCommitLogEntry never has to open an MLS transaction just to find
// it again. Called once by a group's creator.
func (s *Signer) EnsureGroupSigningKey(groupID []byte) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("commitlog: generate signing key: %w", err)
	}

	err = s.provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		handle, err := tx.LoadGroup(groupID)
		if err != nil {
			return err
		}
		handle.WriteMutableMetadata(commitLogSignerMetadataKey, priv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commitlog: write signer metadata: %w", err)
	}

	if err := s.store.PutMLSKey(localKeyLabel(groupID), priv); err != nil {
		return nil, fmt.Errorf("commitlog: cache local signing key: %w", err)
	}
	return pub, nil
}

// SignCommitLogEntry implements process.CommitLogSigner.
func (s *Signer) SignCommitLogEntry(groupID []byte, entry types.CommitLogEntry) (*types.SignedCommitLogEntry, error) {
	priv, err := s.signingKey(groupID)
	if err != nil {
		return nil, err
	}

	plain := toWirePlaintextEntry(entry)
	digest := wire.MarshalCommitLogEntry(plain)
	sig := ed25519.Sign(priv, digest)
	pub := priv.Public().(ed25519.PublicKey)

	return &types.SignedCommitLogEntry{
		Entry:     entry,
		PublicKey: append([]byte(nil), pub...),
		Signature: sig,
	}, nil
}

// signingKey runs the key-selection algorithm:
//  1. If no consensus public key is cached on the group, use any
//     locally stored private key; generate and cache one if none
//     exists.
//  2. If a consensus public key is cached, prefer a local private key
//     matching it, else a mutable-metadata key matching it, else
//     decline to sign.
func (s *Signer) signingKey(groupID []byte) (ed25519.PrivateKey, error) {
	group, err := s.groupRow(groupID)
	if err != nil {
		return nil, err
	}

	local, haveLocal, err := s.loadLocalKey(groupID)
	if err != nil {
		return nil, err
	}

	if group == nil || len(group.CommitLogPublicKey) == 0 {
		if haveLocal {
			return local, nil
		}
		return s.generateLocalKey(groupID)
	}

	if haveLocal && local.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(group.CommitLogPublicKey)) {
		return local, nil
	}

	meta, haveMeta, err := s.loadMetadataKey(groupID)
	if err != nil {
		return nil, err
	}
	if haveMeta && meta.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(group.CommitLogPublicKey)) {
		return meta, nil
	}

	log.WithGroup(groupID).Warn().Msg("no commit log signing key matches the consensus public key, not signing")
	return nil, process.ErrNoSigningKey
}

func (s *Signer) groupRow(groupID []byte) (*types.Group, error) {
	var group *types.Group
	err := s.store.View(func(tx storage.Tx) error {
		g, err := tx.GetGroup(groupID)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	return group, err
}

func (s *Signer) loadLocalKey(groupID []byte) (ed25519.PrivateKey, bool, error) {
	raw, err := s.store.GetMLSKey(localKeyLabel(groupID))
	if err != nil {
		return nil, false, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, false, nil
	}
	return ed25519.PrivateKey(raw), true, nil
}

func (s *Signer) loadMetadataKey(groupID []byte) (ed25519.PrivateKey, bool, error) {
	var (
		priv ed25519.PrivateKey
		ok   bool
	)
	err := s.provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		handle, err := tx.LoadGroup(groupID)
		if err != nil {
			if errors.Is(err, mls.ErrGroupNotFound) {
				return nil
			}
			return err
		}
		raw, found := handle.ReadMutableMetadata(commitLogSignerMetadataKey)
		if found && len(raw) == ed25519.PrivateKeySize {
			priv = ed25519.PrivateKey(raw)
			ok = true
		}
		return nil
	})
	return priv, ok, err
}

func (s *Signer) generateLocalKey(groupID []byte) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("commitlog: generate fallback signing key: %w", err)
	}
	if err := s.store.PutMLSKey(localKeyLabel(groupID), priv); err != nil {
		return nil, fmt.Errorf("commitlog: cache fallback signing key: %w", err)
	}
	return priv, nil
}
