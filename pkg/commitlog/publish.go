package commitlog

import (
	"context"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// Publisher uploads locally produced commit-log entries to the
// replication service.
type Publisher struct {
	store  storage.Store
	client replication.Client
}

// NewPublisher builds a Publisher.
func NewPublisher(store storage.Store, client replication.Client) *Publisher {
	return &Publisher{store: store, client: client}
}

// uploadCursorLabel is the RefreshState entity id a group's publish
// cursor is tracked under: the group's own sequence-id space has no
// bolt-native rowid the Store interface exposes, so the monotonic
// CommitSequenceID doubles as the upload high-water mark.
func uploadCursorLabel(groupID []byte) string {
	return fmt.Sprintf("%x", groupID)
}

// Run publishes every group with ShouldPublishCommitLog set. A single
// group's failure does not prevent the others from being attempted;
// its upload cursor simply does not advance, so the next run retries
// from the same position.
func (p *Publisher) Run(ctx context.Context) error {
	groups, err := p.store.ListGroups()
	if err != nil {
		return xerrors.Wrap(xerrors.Retryable, err)
	}

	for _, group := range groups {
		if !group.ShouldPublishCommitLog {
			continue
		}
		if err := p.publishGroup(ctx, group.ID); err != nil {
			log.WithGroup(group.ID).Warn().Err(err).Msg("commit log publish failed, will retry next run")
		}
	}
	return nil
}

func (p *Publisher) publishGroup(ctx context.Context, groupID []byte) error {
	var cursor uint64
	err := p.store.View(func(tx storage.Tx) error {
		state, err := tx.GetRefreshState(uploadCursorLabel(groupID), types.RefreshKindCommitLogUpload)
		if err != nil {
			return err
		}
		cursor = state.Cursor
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.Retryable, err)
	}

	local, err := p.store.ListLocalCommitLogEntries(groupID)
	if err != nil {
		return xerrors.Wrap(xerrors.Retryable, err)
	}

	var pending []*types.SignedCommitLogEntry
	for _, entry := range local {
		if entry.Entry.CommitSequenceID > cursor {
			pending = append(pending, entry)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	wireEntries := make([]*wire.SignedCommitLogEntry, 0, len(pending))
	for _, entry := range pending {
		wireEntries = append(wireEntries, toWireSignedEntry(entry))
	}

	if err := p.client.PublishCommitLog(ctx, wireEntries); err != nil {
		return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("publish commit log: %w", err))
	}

	newCursor := pending[len(pending)-1].Entry.CommitSequenceID
	err = p.store.Transact(func(tx storage.Tx) error {
		return tx.PutRefreshState(&types.RefreshState{
			EntityID: uploadCursorLabel(groupID),
			Kind:     types.RefreshKindCommitLogUpload,
			Cursor:   newCursor,
		})
	})
	if err != nil {
		return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("advance upload cursor: %w", err))
	}

	metrics.CommitLogEntriesPublished.Add(float64(len(pending)))
	return nil
}
