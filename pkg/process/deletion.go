package process

import (
	"errors"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// ErrNotAuthorized is returned by DeleteMessage when the caller is
// neither the original sender nor a super-admin of the group.
var ErrNotAuthorized = errors.New("process: not authorized to delete this message")

// GroupAuthority answers the one question DeleteMessage needs about
// group membership that this engine doesn't otherwise model: whether
// an inbox holds super-admin standing in a group. A real deployment
// backs this by reading the group's MLS extension state; tests back it
// with a plain map.
type GroupAuthority interface {
	IsSuperAdmin(groupID []byte, inboxID string) (bool, error)
}

// EditStore applies MessageEdit and MessageDeletion writes and answers
// the latest-edit-wins query over a message's edit history. It is a
// thin, storage-backed sibling to MessageProcessor and WelcomeProcessor
// rather than a method on either, since edits and deletions are driven
// by the host application's explicit calls, not by incoming envelopes.
type EditStore struct {
	store     storage.Store
	authority GroupAuthority
}

// NewEditStore builds an EditStore.
func NewEditStore(store storage.Store, authority GroupAuthority) *EditStore {
	return &EditStore{store: store, authority: authority}
}

// CreateEdit records edit. Idempotent on edit.ID: a caller that retries
// a previously-applied edit simply overwrites it with the same
// content, so no separate dedup check is needed.
func (e *EditStore) CreateEdit(edit *types.MessageEdit) error {
	if err := e.store.Transact(func(tx storage.Tx) error {
		original, err := tx.GetMessage(edit.OriginalMessageID)
		if err != nil {
			return xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: edit target %x not found: %w", edit.OriginalMessageID, err))
		}
		deleted, err := tx.GetMessageDeletion(edit.OriginalMessageID)
		if err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: deletion lookup: %w", err))
		}
		if deleted != nil {
			// Deletions are terminal: an already-deleted message cannot
			// be edited.
			return xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: message %x is deleted, cannot be edited", edit.OriginalMessageID))
		}
		if string(original.GroupID) != string(edit.GroupID) {
			return xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: edit group_id mismatch for message %x", edit.OriginalMessageID))
		}
		return tx.PutMessageEdit(edit)
	}); err != nil {
		return err
	}
	return nil
}

// DeleteMessage marks messageID as deleted by deleterInboxID, inside
// groupID. The caller must be either the message's original sender or
// a group super-admin, or the deletion is rejected and no
// MessageDeletion row is written.
func (e *EditStore) DeleteMessage(deletion *types.MessageDeletion) error {
	return e.store.Transact(func(tx storage.Tx) error {
		original, err := tx.GetMessage(deletion.OriginalMessageID)
		if err != nil {
			return xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: delete target %x not found: %w", deletion.OriginalMessageID, err))
		}

		isSender := original.SenderInboxID != "" && original.SenderInboxID == deletion.DeletedByInboxID
		isSuperAdmin := false
		if !isSender {
			ok, err := e.authority.IsSuperAdmin(deletion.GroupID, deletion.DeletedByInboxID)
			if err != nil {
				return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: super-admin lookup: %w", err))
			}
			isSuperAdmin = ok
		}
		if !isSender && !isSuperAdmin {
			return xerrors.Wrap(xerrors.NonRetryable, ErrNotAuthorized)
		}

		deletion.IsSuperAdminDeletion = isSuperAdmin && !isSender
		return tx.PutMessageDeletion(deletion)
	})
}

// GetLatestEditsForMessages returns, for each id in ids that has at
// least one edit, the MessageEdit with the maximum EditedAtNS. ids
// with no edit are absent from the result.
func (e *EditStore) GetLatestEditsForMessages(ids [][32]byte) (map[[32]byte]*types.MessageEdit, error) {
	result := make(map[[32]byte]*types.MessageEdit, len(ids))
	err := e.store.View(func(tx storage.Tx) error {
		for _, id := range ids {
			edits, err := tx.ListEditsForMessage(id)
			if err != nil {
				return err
			}
			var latest *types.MessageEdit
			for _, edit := range edits {
				if latest == nil || edit.EditedAtNS > latest.EditedAtNS {
					latest = edit
				}
			}
			if latest != nil {
				result[id] = latest
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Retryable, err)
	}
	return result, nil
}
