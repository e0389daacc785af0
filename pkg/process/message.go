// Package process implements the two idempotent per-envelope futures
// the engine drives incoming data through: ProcessMessage decrypts and
// applies one group envelope, ProcessWelcome decrypts and materializes
// one welcome. Both run inside a single storage transaction so a crash
// between decrypting and persisting never leaves a cursor advanced
// past work that wasn't durably recorded.
package process

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// ErrNoSigningKey is returned by a CommitLogSigner when no usable
// commit-log signing key is available yet for a group. MessageProcessor
// treats this as non-fatal: the commit still applies, but no local
// commit-log entry is recorded for it, so the commit-log publish
// worker never publishes one for that commit.
var ErrNoSigningKey = errors.New("process: no commit log signing key available yet")

// CommitLogSigner signs a plaintext commit-log entry for groupID. This
// is implemented by pkg/commitlog; process depends only on this narrow
// interface to avoid an import cycle (commitlog depends on storage and
// mls directly, not on process).
type CommitLogSigner interface {
	SignCommitLogEntry(groupID []byte, entry types.CommitLogEntry) (*types.SignedCommitLogEntry, error)
}

// ProcessedMessage is the outcome of running one envelope through
// ProcessMessage.
type ProcessedMessage struct {
	// Message is set iff a user-visible (or transcript) message
	// resulted from this envelope.
	Message *types.StoredGroupMessage
	GroupID []byte
	// TriedToProcess is the envelope's own cursor.
	TriedToProcess types.Cursor
	// NextMessage is the cursor to store as the new high-water mark.
	NextMessage types.Cursor
}

// MessageProcessor is the idempotent per-envelope future that drives
// one group message through decryption and storage. One instance is
// shared across every group a stream drives; per-group isolation comes
// from mls.Provider's per-group write lock, not from constructing one
// processor per group.
type MessageProcessor struct {
	store    storage.Store
	provider mls.Provider
	broker   *events.Broker
	signer   CommitLogSigner // optional; nil disables commit-log signing
}

// NewMessageProcessor builds a MessageProcessor. signer may be nil, in
// which case commits still apply but no commit-log entry is recorded —
// a cold-start ordering the signing key selection below is designed to
// tolerate.
func NewMessageProcessor(store storage.Store, provider mls.Provider, broker *events.Broker, signer CommitLogSigner) *MessageProcessor {
	return &MessageProcessor{store: store, provider: provider, broker: broker, signer: signer}
}

// Process decrypts and applies one group envelope, returning a wrapped
// xerrors.Error on failure. Storage errors, a group whose welcome has
// not arrived, and every other provider decrypt error are tagged
// Retryable; an unrecognized provider outcome is tagged NonRetryable.
// Process tags nothing Fatal, and a payload the provider cannot
// decrypt is not told apart from a transient failure: both are
// Retryable.
func (p *MessageProcessor) Process(envelope types.GroupMessage) (*ProcessedMessage, error) {
	var result *ProcessedMessage

	err := p.store.Transact(func(tx storage.Tx) error {
		// Step 1: idempotency check. A StoredGroupMessage at this exact
		// cursor means this envelope (an application message or a
		// visible commit) was already fully processed; short-circuit
		// and return it.
		if existing, ok, err := findByCursor(tx, envelope.GroupID, envelope.Cursor); err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: idempotency lookup: %w", err))
		} else if ok {
			result = &ProcessedMessage{
				Message:        existing,
				GroupID:        envelope.GroupID,
				TriedToProcess: envelope.Cursor,
				NextMessage:    envelope.Cursor,
			}
			return nil
		}

		// Tie-break: an envelope at or below this originator's
		// high-water mark in this group has already been processed,
		// whether or not it produced a visible StoredGroupMessage (a
		// silent commit still advances this mark). Tracked via
		// RefreshState rather than scanned from stored messages, since
		// most commits never produce a stored row.
		entityID := originatorEntityID(envelope.GroupID, envelope.Cursor.OriginatorID)
		state, err := tx.GetRefreshState(entityID, types.RefreshKindApplicationMessage)
		if err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: high-water lookup: %w", err))
		}
		if state.Cursor != 0 && envelope.Cursor.SequenceID <= state.Cursor {
			log.WithGroup(envelope.GroupID).Debug().
				Uint64("sequence_id", envelope.Cursor.SequenceID).
				Uint32("originator_id", envelope.Cursor.OriginatorID).
				Msg("seen, skipping")
			result = &ProcessedMessage{GroupID: envelope.GroupID, TriedToProcess: envelope.Cursor, NextMessage: envelope.Cursor}
			return nil
		}

		msg, procErr := p.decryptAndApply(tx, envelope)
		if procErr != nil {
			return procErr
		}

		if msg != nil {
			if err := tx.PutMessage(msg); err != nil {
				return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: persist message: %w", err))
			}
		}

		topic := types.Topic{Kind: types.TopicKindGroupMessage, Entity: envelope.GroupID}
		if err := tx.SetCursor(topic, envelope.Cursor); err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: advance cursor: %w", err))
		}
		if err := tx.PutRefreshState(&types.RefreshState{
			EntityID: entityID,
			Kind:     types.RefreshKindApplicationMessage,
			Cursor:   envelope.Cursor.SequenceID,
		}); err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: advance high-water mark: %w", err))
		}

		result = &ProcessedMessage{
			Message:        msg,
			GroupID:        envelope.GroupID,
			TriedToProcess: envelope.Cursor,
			NextMessage:    envelope.Cursor,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Message != nil {
		p.broker.Publish(&events.Event{Type: events.EventNewMessage, GroupID: envelope.GroupID})
	}
	return result, nil
}

// decryptAndApply drives the MLS provider and turns its outcome into a
// StoredGroupMessage (or nil, for a commit with no visible transcript
// entry), plus any commit-log bookkeeping. It does not itself persist
// anything to tx besides the commit-log entry, since the caller
// decides whether to also store a visible message.
func (p *MessageProcessor) decryptAndApply(tx storage.Tx, envelope types.GroupMessage) (*types.StoredGroupMessage, error) {
	var (
		outcome    *mls.ProcessOutcome
		beforeAuth []byte
	)

	err := p.provider.Transaction(envelope.GroupID, func(ptx mls.ProviderTx) error {
		handle, err := ptx.LoadGroup(envelope.GroupID)
		if err != nil {
			return err
		}
		beforeAuth = handle.EpochAuthenticator()
		outcome, err = handle.ProcessIncomingMessage(envelope.PayloadBytes)
		return err
	})
	if err != nil {
		if errors.Is(err, mls.ErrGroupNotFound) {
			// The commit may be for a group whose welcome hasn't
			// arrived yet. Retryable: the stream will retry once the
			// welcome is processed and creates the group locally.
			return nil, xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: group %x not locally known: %w", envelope.GroupID, err))
		}
		return nil, xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: decrypt: %w", err))
	}

	switch outcome.Kind {
	case mls.OutcomeApplication:
		return p.applicationMessage(envelope, outcome.Application), nil

	case mls.OutcomeCommitApplied:
		p.recordCommitLogEntry(tx, envelope.GroupID, types.CommitLogEntry{
			GroupID:                   envelope.GroupID,
			CommitSequenceID:          envelope.Cursor.SequenceID,
			LastEpochAuthenticator:    beforeAuth,
			CommitResult:              types.CommitResultApplied,
			AppliedEpochNumber:        outcome.AppliedEpochNumber,
			AppliedEpochAuthenticator: outcome.AppliedEpochAuthenticator,
		})
		if outcome.Visible == nil {
			return nil, nil
		}
		return &types.StoredGroupMessage{
			ID:             contentAddress(envelope.GroupID, envelope.Cursor, outcome.Visible.Bytes),
			GroupID:        envelope.GroupID,
			DecryptedMessageBytes: outcome.Visible.Bytes,
			SentAtNS:       int64(envelope.OriginatorNS),
			Kind:           outcome.Visible.Kind,
			DeliveryStatus: types.DeliveryPublished,
			SequenceID:     envelope.Cursor.SequenceID,
			OriginatorID:   envelope.Cursor.OriginatorID,
			InsertedAtNS:   types.NowNS(),
		}, nil

	case mls.OutcomeCommitFailed:
		p.recordCommitLogEntry(tx, envelope.GroupID, types.CommitLogEntry{
			GroupID:                envelope.GroupID,
			CommitSequenceID:       envelope.Cursor.SequenceID,
			LastEpochAuthenticator: beforeAuth,
			CommitResult:           outcome.CommitResult,
		})
		// Non-retryable: a rejected commit won't become valid on
		// retry. The cursor still advances (handled by the caller) so
		// processing isn't blocked on this envelope forever.
		return nil, nil

	default:
		return nil, xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: unknown outcome kind %d", outcome.Kind))
	}
}

func (p *MessageProcessor) applicationMessage(envelope types.GroupMessage, c *mls.ApplicationContent) *types.StoredGroupMessage {
	return &types.StoredGroupMessage{
		ID:                    contentAddress(envelope.GroupID, envelope.Cursor, c.Bytes),
		GroupID:               envelope.GroupID,
		DecryptedMessageBytes: c.Bytes,
		SentAtNS:              int64(envelope.OriginatorNS),
		Kind:                  types.MessageKindApplication,
		SenderInstallationID:  c.SenderInstallationID,
		SenderInboxID:         c.SenderInboxID,
		DeliveryStatus:        types.DeliveryPublished,
		ContentType:           c.ContentType,
		VersionMajor:          c.VersionMajor,
		VersionMinor:          c.VersionMinor,
		AuthorityID:           c.AuthorityID,
		ReferenceID:           c.ReferenceID,
		ExpireAtNS:            c.ExpireAtNS,
		SequenceID:            envelope.Cursor.SequenceID,
		OriginatorID:          envelope.Cursor.OriginatorID,
		InsertedAtNS:          types.NowNS(),
		ShouldPush:            c.ShouldPush,
	}
}

// recordCommitLogEntry signs and appends entry, within the same tx the
// caller is already inside, if a signer is configured; absent a signer
// (or a signer that reports ErrNoSigningKey) it logs and moves on
// rather than blocking the commit on a key that may never arrive.
func (p *MessageProcessor) recordCommitLogEntry(tx storage.Tx, groupID []byte, entry types.CommitLogEntry) {
	if p.signer == nil {
		log.WithGroup(groupID).Warn().Msg("commit log signer not configured, entry not recorded")
		return
	}
	signed, err := p.signer.SignCommitLogEntry(groupID, entry)
	if err != nil {
		log.WithGroup(groupID).Warn().Err(err).Msg("commit log entry not signed")
		return
	}
	if err := tx.AppendLocalCommitLogEntry(signed); err != nil {
		log.WithGroup(groupID).Error().Err(err).Msg("failed to append local commit log entry")
	}
}

func findByCursor(tx storage.Tx, groupID []byte, cursor types.Cursor) (*types.StoredGroupMessage, bool, error) {
	msgs, err := tx.ListMessagesForGroup(groupID)
	if err != nil {
		return nil, false, err
	}
	for _, m := range msgs {
		if m.SequenceID == cursor.SequenceID && m.OriginatorID == cursor.OriginatorID {
			return m, true, nil
		}
	}
	return nil, false, nil
}

// originatorEntityID names the RefreshState row tracking the
// high-water sequence_id this group has processed from originatorID:
// each originator's sub-sequence within a group is tracked
// independently.
func originatorEntityID(groupID []byte, originatorID uint32) string {
	return fmt.Sprintf("%x:%d", groupID, originatorID)
}

// contentAddress derives a StoredGroupMessage's 32-byte id,
// content-addressed over the group, cursor, and decrypted bytes so the
// same envelope always yields the same id, which is what makes
// Process's idempotency check effective.
func contentAddress(groupID []byte, cursor types.Cursor, content []byte) [32]byte {
	h := sha256.New()
	h.Write(groupID)
	var buf [12]byte
	putUint64(buf[:8], cursor.SequenceID)
	putUint32(buf[8:], cursor.OriginatorID)
	h.Write(buf[:])
	h.Write(content)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * (3 - i)))
	}
}
