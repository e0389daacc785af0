// Package storage persists the engine's relational and key-value state:
// groups, messages, edits, deletions, consent, cursors, commit-log
// entries, and MLS key material, all behind one transactional Store.
package storage

import (
	"github.com/xmtp/mlsengine/pkg/types"
)

// Tx is a single atomic unit of work against the store. All methods on
// Tx participate in the same underlying database transaction: either
// every write commits or none does. This lets pkg/process update a
// group's row, insert a message, and advance a cursor as one atomic
// step, the same way the MLS key store and relational rows must commit
// together.
type Tx interface {
	// Groups
	PutGroup(group *types.Group) error
	GetGroup(id []byte) (*types.Group, error)
	ListGroups() ([]*types.Group, error)
	DeleteGroup(id []byte) error

	// Group messages
	PutMessage(msg *types.StoredGroupMessage) error
	GetMessage(id [32]byte) (*types.StoredGroupMessage, error)
	ListMessagesForGroup(groupID []byte) ([]*types.StoredGroupMessage, error)
	ListMessagesSince(groupID []byte, since types.Cursor) ([]*types.StoredGroupMessage, error)

	// Message edits and deletions
	PutMessageEdit(edit *types.MessageEdit) error
	ListEditsForMessage(messageID [32]byte) ([]*types.MessageEdit, error)
	PutMessageDeletion(del *types.MessageDeletion) error
	GetMessageDeletion(originalMessageID [32]byte) (*types.MessageDeletion, error)

	// Consent and preferences
	PutConsent(rec *types.ConsentRecord) error
	GetConsent(entity string, entityType types.ConsentEntityType) (*types.ConsentRecord, error)
	ListConsent() ([]*types.ConsentRecord, error)
	PutPreference(pref *types.PreferenceUpdate) error
	GetPreference(name string) (*types.PreferenceUpdate, error)
	ListPreferences() ([]*types.PreferenceUpdate, error)

	// Resumable refresh state
	GetRefreshState(entityID string, kind types.RefreshStateKind) (*types.RefreshState, error)
	PutRefreshState(state *types.RefreshState) error

	// Commit log
	AppendLocalCommitLogEntry(entry *types.SignedCommitLogEntry) error
	ListLocalCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error)
	PutRemoteCommitLogEntries(groupID []byte, entries []*types.SignedCommitLogEntry) error
	ListRemoteCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error)

	// Identity
	PutInstallation(inst *types.Installation) error
	GetInstallation(id []byte) (*types.Installation, error)

	// Key packages
	PutKeyPackageHistory(kp *types.KeyPackageHistory) error
	ListKeyPackageHistory(installationID []byte) ([]*types.KeyPackageHistory, error)

	// Device sync idempotency
	MarkDeviceSyncMessageProcessed(msg *types.ProcessedDeviceSyncMessage) error
	IsDeviceSyncMessageProcessed(messageID [32]byte) (bool, error)

	// Cursors
	GetCursor(topic types.Topic) (types.Cursor, error)
	SetCursor(topic types.Topic, cursor types.Cursor) error
	LatestCursorsForTopics(topics []types.Topic) (types.TopicCursor, error)

	// MLS key store overlay: opaque key material keyed by an
	// application-defined label, e.g. a group's ratchet tree state.
	PutMLSKey(label string, value []byte) error
	GetMLSKey(label string) ([]byte, error)
	DeleteMLSKey(label string) error
}

// Store is the transactional persistence boundary for every package in
// the engine. Every mutating operation that must be atomic goes through
// Transact; single-entity reads and writes have convenience methods
// that wrap a single-statement transaction.
type Store interface {
	// Transact runs fn inside one read-write transaction. If fn returns
	// an error, every write it made is rolled back.
	Transact(fn func(tx Tx) error) error

	// View runs fn inside one read-only transaction.
	View(fn func(tx Tx) error) error

	// Groups
	PutGroup(group *types.Group) error
	GetGroup(id []byte) (*types.Group, error)
	ListGroups() ([]*types.Group, error)
	DeleteGroup(id []byte) error

	// Group messages
	PutMessage(msg *types.StoredGroupMessage) error
	GetMessage(id [32]byte) (*types.StoredGroupMessage, error)
	ListMessagesForGroup(groupID []byte) ([]*types.StoredGroupMessage, error)
	ListMessagesSince(groupID []byte, since types.Cursor) ([]*types.StoredGroupMessage, error)

	// Message edits and deletions
	PutMessageEdit(edit *types.MessageEdit) error
	ListEditsForMessage(messageID [32]byte) ([]*types.MessageEdit, error)
	PutMessageDeletion(del *types.MessageDeletion) error
	GetMessageDeletion(originalMessageID [32]byte) (*types.MessageDeletion, error)

	// Consent and preferences
	PutConsent(rec *types.ConsentRecord) error
	GetConsent(entity string, entityType types.ConsentEntityType) (*types.ConsentRecord, error)
	ListConsent() ([]*types.ConsentRecord, error)
	PutPreference(pref *types.PreferenceUpdate) error
	GetPreference(name string) (*types.PreferenceUpdate, error)
	ListPreferences() ([]*types.PreferenceUpdate, error)

	// Resumable refresh state
	GetRefreshState(entityID string, kind types.RefreshStateKind) (*types.RefreshState, error)
	PutRefreshState(state *types.RefreshState) error

	// Commit log
	AppendLocalCommitLogEntry(entry *types.SignedCommitLogEntry) error
	ListLocalCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error)
	PutRemoteCommitLogEntries(groupID []byte, entries []*types.SignedCommitLogEntry) error
	ListRemoteCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error)

	// Identity
	PutInstallation(inst *types.Installation) error
	GetInstallation(id []byte) (*types.Installation, error)

	// Key packages
	PutKeyPackageHistory(kp *types.KeyPackageHistory) error
	ListKeyPackageHistory(installationID []byte) ([]*types.KeyPackageHistory, error)

	// Device sync idempotency
	MarkDeviceSyncMessageProcessed(msg *types.ProcessedDeviceSyncMessage) error
	IsDeviceSyncMessageProcessed(messageID [32]byte) (bool, error)

	// Cursors
	GetCursor(topic types.Topic) (types.Cursor, error)
	SetCursor(topic types.Topic, cursor types.Cursor) error
	LatestCursorsForTopics(topics []types.Topic) (types.TopicCursor, error)

	// MLS key store overlay
	PutMLSKey(label string, value []byte) error
	GetMLSKey(label string) ([]byte, error)
	DeleteMLSKey(label string) error

	Close() error
}
