package mls

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xmtp/mlsengine/pkg/types"
)

// memoryPayload is the internal plaintext shape MemoryProvider expects
// inside an envelope's PayloadBytes. It exists only so tests can
// construct deterministic "ciphertext" without a real MLS stack; a
// production Provider would never see JSON on the wire, since the
// actual MLS ciphertext/commit bytes are opaque to this engine.
type memoryPayload struct {
	Kind string `json:"kind"` // "application" | "commit"

	// application fields
	ContentType          string  `json:"content_type,omitempty"`
	Bytes                []byte  `json:"bytes,omitempty"`
	SenderInstallationID []byte  `json:"sender_installation_id,omitempty"`
	SenderInboxID        string  `json:"sender_inbox_id,omitempty"`
	ReferenceID          *string `json:"reference_id,omitempty"` // hex
	ShouldPush           bool    `json:"should_push,omitempty"`
	AuthorityID          string  `json:"authority_id,omitempty"`

	// commit fields
	TargetEpoch   uint64 `json:"target_epoch,omitempty"`
	Valid         bool   `json:"valid,omitempty"`
	VisibleKind   string `json:"visible_kind,omitempty"` // "membership_change" | "group_updated" | ""
	VisibleBytes  []byte `json:"visible_bytes,omitempty"`
}

// EncodeApplicationPayload builds PayloadBytes for an application
// message a MemoryProvider will decrypt back into the given content.
func EncodeApplicationPayload(c ApplicationContent) []byte {
	p := memoryPayload{
		Kind:                 "application",
		ContentType:          c.ContentType,
		Bytes:                c.Bytes,
		SenderInstallationID: c.SenderInstallationID,
		SenderInboxID:        c.SenderInboxID,
		ShouldPush:           c.ShouldPush,
		AuthorityID:          c.AuthorityID,
	}
	if c.ReferenceID != nil {
		s := fmt.Sprintf("%x", *c.ReferenceID)
		p.ReferenceID = &s
	}
	data, _ := json.Marshal(p)
	return data
}

// EncodeCommitPayload builds PayloadBytes for a commit targeting
// targetEpoch. valid=false simulates a commit MemoryProvider should
// reject outright (OutcomeCommitFailed / CommitResultInvalid); a valid
// commit whose targetEpoch isn't currentEpoch+1 is rejected as
// CommitResultWrongEpoch by ProcessIncomingMessage.
func EncodeCommitPayload(targetEpoch uint64, valid bool, visible *CommitVisible) []byte {
	p := memoryPayload{Kind: "commit", TargetEpoch: targetEpoch, Valid: valid}
	if visible != nil {
		p.VisibleKind = string(visible.Kind)
		p.VisibleBytes = visible.Bytes
	}
	data, _ := json.Marshal(p)
	return data
}

type memoryGroup struct {
	mu       sync.Mutex
	id       []byte
	epoch    uint64
	authHist [][]byte // authenticator at index == epoch
	metadata map[string][]byte
}

func newMemoryGroup(id []byte) *memoryGroup {
	initial := sha256.Sum256(append([]byte("epoch0:"), id...))
	return &memoryGroup{
		id:       id,
		epoch:    0,
		authHist: [][]byte{initial[:]},
		metadata: make(map[string][]byte),
	}
}

func (g *memoryGroup) GroupID() []byte { return g.id }

func (g *memoryGroup) EpochAuthenticator() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authHist[g.epoch]
}

func (g *memoryGroup) EpochNumber() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

func (g *memoryGroup) ReadMutableMetadata(key string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.metadata[key]
	return v, ok
}

func (g *memoryGroup) WriteMutableMetadata(key string, value []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metadata[key] = append([]byte(nil), value...)
}

func (g *memoryGroup) nextAuthenticator() []byte {
	h := sha256.Sum256(append(append([]byte(nil), g.authHist[len(g.authHist)-1]...), byte(len(g.authHist))))
	return h[:]
}

func (g *memoryGroup) ProcessIncomingMessage(payload []byte) (*ProcessOutcome, error) {
	var p memoryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("mls: decrypt failed: %w", err)
	}

	switch p.Kind {
	case "application":
		content := &ApplicationContent{
			ContentType:          p.ContentType,
			Bytes:                p.Bytes,
			SenderInstallationID: p.SenderInstallationID,
			SenderInboxID:        p.SenderInboxID,
			ShouldPush:           p.ShouldPush,
			AuthorityID:          p.AuthorityID,
		}
		if p.ReferenceID != nil {
			var ref [32]byte
			if _, err := fmt.Sscanf(*p.ReferenceID, "%x", &ref); err == nil {
				content.ReferenceID = &ref
			}
		}
		return &ProcessOutcome{Kind: OutcomeApplication, Application: content}, nil

	case "commit":
		g.mu.Lock()
		defer g.mu.Unlock()

		if !p.Valid {
			return &ProcessOutcome{Kind: OutcomeCommitFailed, CommitResult: types.CommitResultInvalid}, nil
		}
		if p.TargetEpoch != g.epoch+1 {
			return &ProcessOutcome{Kind: OutcomeCommitFailed, CommitResult: types.CommitResultWrongEpoch}, nil
		}

		next := g.nextAuthenticator()
		g.authHist = append(g.authHist, next)
		g.epoch = p.TargetEpoch

		out := &ProcessOutcome{
			Kind:                      OutcomeCommitApplied,
			CommitResult:              types.CommitResultApplied,
			AppliedEpochNumber:        g.epoch,
			AppliedEpochAuthenticator: next,
		}
		if p.VisibleKind != "" {
			out.Visible = &CommitVisible{Kind: types.MessageKind(p.VisibleKind), Bytes: p.VisibleBytes}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("mls: unknown memory payload kind %q", p.Kind)
	}
}

// MemoryProvider is an in-process, non-persistent Provider test
// double: real cryptographic state is collapsed to a plain epoch
// counter and authenticator chain, since the actual MLS primitives are
// out of this engine's scope. Its Transaction only serializes callers
// per group: changes fn makes (epoch advances, mutable metadata
// writes) take effect immediately and are not rolled back when fn
// returns an error.
type MemoryProvider struct {
	locks  *groupLocks
	mu     sync.RWMutex
	groups map[string]*memoryGroup

	// welcomes is consulted by DecryptWelcome in tests: a queued
	// outcome per welcome cursor, set via QueueWelcome.
	welcomeMu sync.Mutex
	welcomes  map[string]*WelcomeOutcome
}

// NewMemoryProvider constructs an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		locks:    newGroupLocks(),
		groups:   make(map[string]*memoryGroup),
		welcomes: make(map[string]*WelcomeOutcome),
	}
}

// QueueWelcome registers the outcome DecryptWelcome should return for
// a welcome with the given cursor (tests build deterministic welcome
// scenarios this way instead of driving real HPKE decryption).
func (m *MemoryProvider) QueueWelcome(cursor types.Cursor, outcome *WelcomeOutcome) {
	m.welcomeMu.Lock()
	defer m.welcomeMu.Unlock()
	m.welcomes[welcomeKey(cursor)] = outcome
}

func welcomeKey(c types.Cursor) string {
	return fmt.Sprintf("%d:%d", c.SequenceID, c.OriginatorID)
}

func (m *MemoryProvider) DecryptWelcome(w *types.WelcomeMessage) (*WelcomeOutcome, error) {
	m.welcomeMu.Lock()
	defer m.welcomeMu.Unlock()
	outcome, ok := m.welcomes[welcomeKey(w.Cursor)]
	if !ok {
		return nil, ErrWelcomeInvalid
	}
	return outcome, nil
}

func (m *MemoryProvider) groupFor(id []byte, create bool) (*memoryGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[string(id)]
	if !ok && create {
		g = newMemoryGroup(id)
		m.groups[string(id)] = g
		return g, true
	}
	return g, ok
}

func (m *MemoryProvider) Transaction(groupID []byte, fn func(tx ProviderTx) error) error {
	lock := m.locks.forGroup(groupID)
	lock.Lock()
	defer lock.Unlock()
	return fn(&memoryTx{provider: m})
}

type memoryTx struct {
	provider *MemoryProvider
}

func (t *memoryTx) LoadGroup(groupID []byte) (GroupHandle, error) {
	g, ok := t.provider.groupFor(groupID, false)
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

func (t *memoryTx) CreateGroup(groupID []byte, params CreateGroupParams) (GroupHandle, error) {
	g, _ := t.provider.groupFor(groupID, true)
	return g, nil
}
