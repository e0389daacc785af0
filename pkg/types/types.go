// Package types defines the persisted and in-memory data model shared
// by every component of the conversation and message subscription
// engine: cursors, topics, groups, stored messages, edits, deletions,
// and commit-log entries.
package types

import "time"

// Cursor is a total order on envelopes originating from the same
// originator. Cursors from different originators are incomparable.
type Cursor struct {
	SequenceID   uint64
	OriginatorID uint32
}

// Less reports whether c precedes other for the same originator. It
// is meaningless to compare cursors from different originators.
func (c Cursor) Less(other Cursor) bool {
	return c.SequenceID < other.SequenceID
}

// LessEqual reports whether c is at or before other.
func (c Cursor) LessEqual(other Cursor) bool {
	return c.SequenceID <= other.SequenceID
}

// IsZero reports whether c is the default cursor (0, 0).
func (c Cursor) IsZero() bool {
	return c.SequenceID == 0 && c.OriginatorID == 0
}

// TopicKind distinguishes the topic kinds the core reasons about.
type TopicKind string

const (
	TopicKindWelcome         TopicKind = "welcome"
	TopicKindGroupMessage    TopicKind = "group_message"
	TopicKindCommitLog       TopicKind = "commit_log"
	TopicKindIdentityUpdate  TopicKind = "identity_update"
)

// Topic names a stream of envelopes.
type Topic struct {
	Kind   TopicKind
	Entity []byte // installation key, group id, etc., depending on Kind
}

// Bytes returns the canonical byte-string form of the topic, suitable
// as a map/storage key.
func (t Topic) Bytes() []byte {
	out := make([]byte, 0, len(t.Kind)+1+len(t.Entity))
	out = append(out, []byte(t.Kind)...)
	out = append(out, '/')
	out = append(out, t.Entity...)
	return out
}

// TopicCursor maps a Topic to the highest Cursor processed for it. A
// topic absent from the map has the implicit Cursor{} (zero value).
type TopicCursor map[string]Cursor

// Get returns the cursor recorded for t, or the zero Cursor if absent.
func (tc TopicCursor) Get(t Topic) Cursor {
	if tc == nil {
		return Cursor{}
	}
	return tc[string(t.Bytes())]
}

// Set records cursor as the high-water mark for t.
func (tc TopicCursor) Set(t Topic, cursor Cursor) {
	tc[string(t.Bytes())] = cursor
}

// GroupMessage is a normalized envelope produced by the envelope
// extractor, regardless of which wire shape it arrived in.
type GroupMessage struct {
	GroupID      []byte
	Cursor       Cursor
	PayloadBytes []byte
	OriginatorNS uint64
}

// WelcomeMessage invites an installation into a group.
type WelcomeMessage struct {
	InstallationKey  []byte
	Cursor           Cursor
	HPKECiphertext   []byte
	WrapperAlgorithm string
	WelcomeMetadata  map[string]string
}

// MembershipState is the local view of an installation's standing in
// a group.
type MembershipState string

const (
	MembershipAllowed       MembershipState = "allowed"
	MembershipRejected      MembershipState = "rejected"
	MembershipPending       MembershipState = "pending"
	MembershipRestored      MembershipState = "restored"
	MembershipPendingRemove MembershipState = "pending_remove"
)

// ConversationType classifies a group for filtering purposes.
type ConversationType string

const (
	ConversationDM      ConversationType = "dm"
	ConversationGroup   ConversationType = "group"
	ConversationSync    ConversationType = "sync"
	ConversationOneshot ConversationType = "oneshot"
)

// Group is the durable record of an MLS group's local metadata. It is
// created on welcome or local creation and is never deleted by this
// layer; it is mutated by commits and by device sync.
type Group struct {
	ID                      []byte
	CreatedAtNS             int64
	MembershipState         MembershipState
	ConversationType        ConversationType
	DMID                    *string
	AddedByInboxID          string
	RotatedAtNS             int64
	LastMessageNS           *int64
	MessageDisappearFromNS  *int64
	MessageDisappearInNS    *int64
	PausedForVersion        *string
	MaybeForked             bool
	ForkDetails             map[string]any
	OriginatorID            *uint32
	ShouldPublishCommitLog  bool
	CommitLogPublicKey      []byte
	IsCommitLogForked       bool
	HasPendingLeaveRequest  bool
	InstallationsLastChecked int64
}

// MessageKind classifies a stored message's content.
type MessageKind string

const (
	MessageKindApplication      MessageKind = "application"
	MessageKindMembershipChange MessageKind = "membership_change"
	MessageKindGroupUpdated     MessageKind = "group_updated"
)

// DeliveryStatus tracks the local publication state of an outgoing or
// incoming message.
type DeliveryStatus string

const (
	DeliveryUnpublished DeliveryStatus = "unpublished"
	DeliveryPublished   DeliveryStatus = "published"
	DeliveryFailed      DeliveryStatus = "failed"
)

// StoredGroupMessage is a decoded, persisted, user-visible (or
// transcript) message.
type StoredGroupMessage struct {
	ID                     [32]byte
	GroupID                []byte
	DecryptedMessageBytes  []byte
	SentAtNS               int64
	Kind                   MessageKind
	SenderInstallationID   []byte
	SenderInboxID          string
	DeliveryStatus         DeliveryStatus
	ContentType            string
	VersionMajor           uint32
	VersionMinor           uint32
	AuthorityID            string
	ReferenceID            *[32]byte
	ExpireAtNS             *int64
	SequenceID             uint64
	OriginatorID           uint32
	InsertedAtNS           int64
	ShouldPush             bool
}

// Cursor returns the message's position on its group's topic.
func (m *StoredGroupMessage) Cursor() Cursor {
	return Cursor{SequenceID: m.SequenceID, OriginatorID: m.OriginatorID}
}

// MessageEdit records a single edit applied to a previously stored
// message. A message is considered edited iff at least one MessageEdit
// references it; the latest by EditedAtNS wins for display.
type MessageEdit struct {
	ID               [32]byte
	GroupID          []byte
	OriginalMessageID [32]byte
	EditedByInboxID  string
	EditedContent    []byte
	EditedAtNS       int64
}

// MessageDeletion records that a message was deleted, by whom, and
// whether the deletion was a super-admin action. Deletions are
// terminal: they are never themselves edited or deleted (see
// DESIGN.md, Open Question: delete-message content visibility).
type MessageDeletion struct {
	DeletionMessageID   [32]byte
	OriginalMessageID   [32]byte
	GroupID             []byte
	DeletedByInboxID    string
	DeletedAtNS         int64
	IsSuperAdminDeletion bool
}

// CommitResult classifies the outcome of applying a commit.
type CommitResult int

const (
	CommitResultApplied CommitResult = iota + 1
	CommitResultWrongEpoch
	CommitResultInvalid
)

func (r CommitResult) String() string {
	switch r {
	case CommitResultApplied:
		return "applied"
	case CommitResultWrongEpoch:
		return "wrong_epoch"
	case CommitResultInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// CommitLogEntry is the plaintext, signed record of one commit outcome
// for a group.
type CommitLogEntry struct {
	GroupID                 []byte
	CommitSequenceID         uint64
	LastEpochAuthenticator   []byte
	CommitResult             CommitResult
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
}

// SignedCommitLogEntry wraps a CommitLogEntry with the Ed25519
// signature of its signer and the signer's public key.
type SignedCommitLogEntry struct {
	Entry     CommitLogEntry
	PublicKey []byte // ed25519.PublicKey bytes
	Signature []byte // ed25519 signature over Entry's canonical encoding
}

// RefreshStateKind distinguishes the resumable cursor kinds tracked
// per entity.
type RefreshStateKind string

const (
	RefreshKindApplicationMessage RefreshStateKind = "application_message"
	RefreshKindCommitMessage      RefreshStateKind = "commit_message"
	RefreshKindWelcome            RefreshStateKind = "welcome"
	RefreshKindCommitLogUpload    RefreshStateKind = "commit_log_upload"
	RefreshKindCommitLogDownload  RefreshStateKind = "commit_log_download"
)

// RefreshState gives a resumable position across restarts for a given
// (entity, kind) pair.
type RefreshState struct {
	EntityID string
	Kind     RefreshStateKind
	Cursor   uint64
}

// ConsentState is the local user consent decision for an entity (an
// inbox id or a group id).
type ConsentState string

const (
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
	ConsentUnknown ConsentState = "unknown"
)

// ConsentEntityType distinguishes what a ConsentRecord governs.
type ConsentEntityType string

const (
	ConsentEntityInboxID ConsentEntityType = "inbox_id"
	ConsentEntityGroupID ConsentEntityType = "group_id"
)

// ConsentRecord is a user's consent decision for an inbox or group.
type ConsentRecord struct {
	Entity     string
	EntityType ConsentEntityType
	State      ConsentState
	UpdatedAtNS int64
}

// Installation is a device-level keyed participant bound to an Inbox.
type Installation struct {
	ID        []byte
	InboxID   string
	CreatedAtNS int64
}

// KeyPackageHistory records a key package this installation published,
// so a later welcome referencing it can be validated as addressed to
// us and the key rotated out of future welcomes.
type KeyPackageHistory struct {
	InstallationID []byte
	KeyPackageRef  []byte
	CreatedAtNS    int64
	PostQuantum    bool
}

// PreferenceUpdate is one user preference change, synced across an
// inbox's installations via the sync group.
type PreferenceUpdate struct {
	Name      string
	Value     string
	UpdatedAtNS int64
}

// ProcessedDeviceSyncMessage records that a sync-group message has
// already been handled, keyed by its message id, for idempotency.
type ProcessedDeviceSyncMessage struct {
	MessageID   [32]byte
	ProcessedAtNS int64
}

// NowNS returns the current time truncated to nanoseconds since epoch,
// the unit used throughout the stored data model.
func NowNS() int64 {
	return time.Now().UnixNano()
}
