// Package mls defines the narrow contract this engine needs from a
// conforming MLS provider. The cryptographic primitives themselves —
// key schedule, HPKE, ratchet tree, epoch secrets — are explicitly out
// of scope: this package only states the shape ProcessMessage and
// ProcessWelcome drive against, plus an in-memory MemoryProvider test
// double that stands in for a real provider in unit tests.
package mls

import (
	"fmt"

	"github.com/xmtp/mlsengine/pkg/types"
)

// GroupHandle is a loaded, lockable MLS group ready to process
// incoming wire bytes or expose its mutable metadata.
type GroupHandle interface {
	// GroupID returns the group's identifier.
	GroupID() []byte

	// ProcessIncomingMessage decrypts and applies payload (an
	// application message or a commit) against this group's current
	// epoch.
	ProcessIncomingMessage(payload []byte) (*ProcessOutcome, error)

	// EpochAuthenticator returns the hash over the group's state at
	// its current epoch (used by the commit-log chain check).
	EpochAuthenticator() []byte

	// EpochNumber returns the group's current epoch.
	EpochNumber() uint64

	// ReadMutableMetadata returns a value previously written under
	// key in this group's mutable metadata (e.g. "commit_log_signer"),
	// or ok=false if never set.
	ReadMutableMetadata(key string) (value []byte, ok bool)

	// WriteMutableMetadata sets a value in this group's mutable
	// metadata. It takes effect only if the enclosing Provider
	// transaction commits.
	WriteMutableMetadata(key string, value []byte)
}

// OutcomeKind classifies what ProcessIncomingMessage produced.
type OutcomeKind int

const (
	// OutcomeApplication is a user-visible application message.
	OutcomeApplication OutcomeKind = iota + 1
	// OutcomeCommitApplied is a commit that advanced the group epoch.
	OutcomeCommitApplied
	// OutcomeCommitFailed is a commit that could not be applied
	// (wrong epoch or invalid); group state does not advance.
	OutcomeCommitFailed
)

// ApplicationContent is the decoded body of an application message.
type ApplicationContent struct {
	ContentType          string
	Bytes                []byte
	SenderInstallationID []byte
	SenderInboxID        string
	ReferenceID          *[32]byte
	ShouldPush           bool
	VersionMajor         uint32
	VersionMinor         uint32
	AuthorityID          string
	ExpireAtNS           *int64
}

// CommitVisible describes the transcript message a commit should
// surface to the user, if any.
type CommitVisible struct {
	Kind  types.MessageKind // MembershipChange or GroupUpdated
	Bytes []byte
}

// ProcessOutcome is the result of decrypting and applying one
// envelope's payload against a loaded group.
type ProcessOutcome struct {
	Kind OutcomeKind

	// Set when Kind == OutcomeApplication.
	Application *ApplicationContent

	// Set when Kind is one of the commit kinds.
	CommitResult              types.CommitResult
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
	Visible                   *CommitVisible // optional, commit-applied only
}

// WelcomeOutcome is the decrypted, validated result of a welcome.
type WelcomeOutcome struct {
	GroupID        []byte
	AddedByInboxID string
	DMID           *string
	Metadata       map[string]string
}

// CreateGroupParams configures local group creation (no welcome
// involved — the caller is the creator).
type CreateGroupParams struct {
	ConversationType types.ConversationType
	DMID             *string
}

// ErrWelcomeInvalid is returned by DecryptWelcome when the welcome
// fails cryptographic validation. Non-retryable: the caller records
// the cursor so it is not retried.
var ErrWelcomeInvalid = fmt.Errorf("mls: welcome failed validation")

// ErrGroupNotFound is returned by LoadGroup when no local group state
// exists for the id; the caller falls through to the welcome-pending
// path.
var ErrGroupNotFound = fmt.Errorf("mls: group not found")

// Provider is the MLS state boundary the engine drives. Every
// mutation goes through Transaction, which the implementation must
// make atomic with respect to GroupHandle method calls made inside
// fn: either fn's mutations all commit, or none do.
type Provider interface {
	// Transaction takes the per-group write lock for groupID (single
	// writer per MLS group) and runs fn with a handle to the group,
	// committing fn's mutations atomically on success. groupID may not
	// yet exist locally; fn observes ErrGroupNotFound via LoadGroup
	// semantics by failing group lookups inside it.
	Transaction(groupID []byte, fn func(tx ProviderTx) error) error

	// DecryptWelcome decrypts and validates a welcome addressed to
	// this installation, materializing no durable state (the caller
	// persists the resulting group inside its own transaction).
	DecryptWelcome(w *types.WelcomeMessage) (*WelcomeOutcome, error)
}

// ProviderTx is the transactional view of the provider passed into
// Provider.Transaction's closure.
type ProviderTx interface {
	// LoadGroup returns a handle to groupID's MLS state, or
	// ErrGroupNotFound if no local state exists.
	LoadGroup(groupID []byte) (GroupHandle, error)

	// CreateGroup materializes brand-new local MLS state for groupID
	// (the caller is the creator, not a welcomed joiner).
	CreateGroup(groupID []byte, params CreateGroupParams) (GroupHandle, error)
}
