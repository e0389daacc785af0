package commitlog

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// Downloader queries the replication service's commit log for every
// locally known group, verifies each entry's signature and ordering,
// and records what passes.
type Downloader struct {
	store  storage.Store
	client replication.Client

	// haltedGroups remembers groups whose remote log produced a
	// permanent signature mismatch against the consensus key this
	// process run; such a group stops being downloaded entirely for
	// the rest of the run instead of being re-queried every cycle.
	haltedGroups map[string]bool
}

// NewDownloader builds a Downloader.
func NewDownloader(store storage.Store, client replication.Client) *Downloader {
	return &Downloader{store: store, client: client, haltedGroups: make(map[string]bool)}
}

func downloadCursorLabel(groupID []byte) string {
	return fmt.Sprintf("%x", groupID)
}

// Run queries and applies new remote commit-log entries for every
// group known locally.
func (d *Downloader) Run(ctx context.Context) error {
	groups, err := d.store.ListGroups()
	if err != nil {
		return xerrors.Wrap(xerrors.Retryable, err)
	}

	queries := make([]wire.GroupCommitLogQuery, 0, len(groups))
	for _, group := range groups {
		if d.haltedGroups[string(group.ID)] {
			continue
		}
		cursor, err := d.downloadCursor(group.ID)
		if err != nil {
			log.WithGroup(group.ID).Warn().Err(err).Msg("commit log download: read cursor failed")
			continue
		}
		queries = append(queries, wire.GroupCommitLogQuery{GroupID: group.ID, AfterSequenceID: cursor})
	}
	if len(queries) == 0 {
		return nil
	}

	entries, err := d.client.QueryCommitLog(ctx, queries)
	if err != nil {
		return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("query commit log: %w", err))
	}

	byGroup := make(map[string][]*wire.SignedCommitLogEntry)
	for _, e := range entries {
		key := string(e.Entry.GroupID)
		byGroup[key] = append(byGroup[key], e)
	}

	for _, q := range queries {
		es := byGroup[string(q.GroupID)]
		if len(es) == 0 {
			continue
		}
		if err := d.applyGroupEntries(q.GroupID, es); err != nil {
			log.WithGroup(q.GroupID).Warn().Err(err).Msg("commit log download: apply entries failed")
		}
	}
	return nil
}

func (d *Downloader) downloadCursor(groupID []byte) (uint64, error) {
	var cursor uint64
	err := d.store.View(func(tx storage.Tx) error {
		state, err := tx.GetRefreshState(downloadCursorLabel(groupID), types.RefreshKindCommitLogDownload)
		if err != nil {
			return err
		}
		cursor = state.Cursor
		return nil
	})
	return cursor, err
}

func (d *Downloader) applyGroupEntries(groupID []byte, wireEntries []*wire.SignedCommitLogEntry) error {
	sort.Slice(wireEntries, func(i, j int) bool {
		return wireEntries[i].Entry.CommitSequenceID < wireEntries[j].Entry.CommitSequenceID
	})

	return d.store.Transact(func(tx storage.Tx) error {
		group, err := tx.GetGroup(groupID)
		if err != nil {
			return err
		}
		if group == nil {
			return nil // not our group (shouldn't happen; query was built from our own group list)
		}

		existing, err := tx.ListRemoteCommitLogEntries(groupID)
		if err != nil {
			return err
		}
		chain := latestChainState(existing)

		var maxSeenSeq uint64
		var accepted []*types.SignedCommitLogEntry
		forked := false
		halted := false

		for _, we := range wireEntries {
			if we.Entry.CommitSequenceID > maxSeenSeq {
				maxSeenSeq = we.Entry.CommitSequenceID
			}

			if !bytes.Equal(we.Entry.GroupID, groupID) {
				metrics.CommitLogEntriesSkipped.WithLabelValues("group_id_mismatch").Inc()
				continue
			}
			if we.Entry.CommitSequenceID <= chain.latestStoredSeq {
				metrics.CommitLogEntriesSkipped.WithLabelValues("stale").Inc()
				continue
			}

			pub, ok := d.resolveConsensusKey(group, we.PublicKey)
			if !ok {
				metrics.CommitLogEntriesSkipped.WithLabelValues("signature_mismatch").Inc()
				forked = true
				halted = true
				break
			}
			if !ed25519.Verify(pub, wire.MarshalCommitLogEntry(we.Entry), we.Signature) {
				metrics.CommitLogEntriesSkipped.WithLabelValues("signature_mismatch").Inc()
				forked = true
				halted = true
				break
			}
			if len(group.CommitLogPublicKey) == 0 {
				group.CommitLogPublicKey = append([]byte(nil), pub...)
			}

			entry := fromWirePlaintextEntry(we.Entry)

			if chain.haveChain && !bytes.Equal(entry.LastEpochAuthenticator, chain.latestAuth) {
				metrics.CommitLogEntriesSkipped.WithLabelValues("broken_chain").Inc()
				forked = true
				continue
			}
			if entry.CommitResult == types.CommitResultApplied {
				if chain.haveChain && entry.AppliedEpochNumber != chain.latestEpoch+1 {
					metrics.CommitLogEntriesSkipped.WithLabelValues("epoch_non_monotone").Inc()
					forked = true
					continue
				}
				chain.latestAuth = entry.AppliedEpochAuthenticator
				chain.latestEpoch = entry.AppliedEpochNumber
				chain.haveChain = true
			}

			chain.latestStoredSeq = entry.CommitSequenceID
			accepted = append(accepted, &types.SignedCommitLogEntry{
				Entry:     entry,
				PublicKey: we.PublicKey,
				Signature: we.Signature,
			})
		}

		if len(accepted) > 0 {
			if err := tx.PutRemoteCommitLogEntries(groupID, accepted); err != nil {
				return err
			}
		}
		if forked {
			group.IsCommitLogForked = true
			metrics.CommitLogForksTotal.WithLabelValues(fmt.Sprintf("%x", groupID)).Inc()
		}
		if err := tx.PutGroup(group); err != nil {
			return err
		}
		if err := tx.PutRefreshState(&types.RefreshState{
			EntityID: downloadCursorLabel(groupID),
			Kind:     types.RefreshKindCommitLogDownload,
			Cursor:   maxSeenSeq,
		}); err != nil {
			return err
		}

		if halted {
			d.haltedGroups[string(groupID)] = true
		}
		return nil
	})
}

// chainState summarizes the local group's view of the remote log
// before this round's entries are applied.
type chainState struct {
	latestStoredSeq uint64
	latestAuth      []byte
	latestEpoch     uint64
	haveChain       bool
}

func latestChainState(existing []*types.SignedCommitLogEntry) chainState {
	var cs chainState
	for _, e := range existing {
		if e.Entry.CommitSequenceID > cs.latestStoredSeq {
			cs.latestStoredSeq = e.Entry.CommitSequenceID
		}
		if e.Entry.CommitResult == types.CommitResultApplied {
			cs.latestAuth = e.Entry.AppliedEpochAuthenticator
			cs.latestEpoch = e.Entry.AppliedEpochNumber
			cs.haveChain = true
		}
	}
	return cs
}

// resolveConsensusKey returns the public key new entries must verify
// against, establishing it from candidate (the signed entry's own
// claimed key) if the group has none yet. ok is false only if a
// consensus key is already cached and candidate does not match it.
func (d *Downloader) resolveConsensusKey(group *types.Group, candidate []byte) (ed25519.PublicKey, bool) {
	if len(group.CommitLogPublicKey) == 0 {
		return ed25519.PublicKey(candidate), true
	}
	if !bytes.Equal(group.CommitLogPublicKey, candidate) {
		return nil, false
	}
	return ed25519.PublicKey(group.CommitLogPublicKey), true
}
