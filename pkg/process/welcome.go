package process

import (
	"errors"
	"fmt"

	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// WelcomeResultKind is one of the four outcomes ProcessWelcome can produce.
type WelcomeResultKind int

const (
	// ResultNewStored reports a group that already existed locally
	// (created outside this future) and passed every filter.
	ResultNewStored WelcomeResultKind = iota + 1
	// ResultIgnoreID reports a welcome already seen, or materialized
	// but rejected by the DM-duplicate or consent filter; the cursor
	// the caller should remember is still carried on the result.
	ResultIgnoreID
	// ResultIgnore reports a materialized group rejected by the
	// conversation-type filter, or a locally created group rejected by
	// any of the three filters. Unlike ResultIgnoreID, no id is
	// carried: the welcome was still durably materialized and does
	// not need to be remembered separately, since the group row itself
	// is now the record of having seen it.
	ResultIgnore
	// ResultNew reports a freshly materialized group that passed every
	// filter.
	ResultNew
)

// WelcomeOrGroup is the input union ProcessWelcome accepts: either a
// reference to a group already created locally (e.g. by this client
// initiating a new conversation) or a Welcome to decrypt.
type WelcomeOrGroup struct {
	GroupID []byte
	Welcome *types.WelcomeMessage
}

// WelcomeResult is the outcome of one ProcessWelcome call.
type WelcomeResult struct {
	Kind  WelcomeResultKind
	Group *types.Group
	// ID is populated for ResultIgnoreID and ResultNew: the welcome's
	// cursor, which the stream adds to known_welcome_ids.
	ID types.Cursor
}

// WelcomeFilter bundles the three filters applied after materializing
// (or loading) a group. A nil ConversationTypes or ConsentStates means
// "no filtering on that dimension".
type WelcomeFilter struct {
	ConversationTypes   []types.ConversationType
	IncludeDuplicateDMs bool
	ConsentStates       []types.ConsentState
}

func (f WelcomeFilter) conversationTypeAllowed(ct types.ConversationType) bool {
	if len(f.ConversationTypes) == 0 {
		return true
	}
	for _, allowed := range f.ConversationTypes {
		if allowed == ct {
			return true
		}
	}
	return false
}

func (f WelcomeFilter) consentAllowed(state types.ConsentState) bool {
	if len(f.ConsentStates) == 0 {
		return true
	}
	for _, allowed := range f.ConsentStates {
		if allowed == state {
			return true
		}
	}
	return false
}

// WelcomeProcessor is the idempotent per-welcome future that decrypts
// and materializes one welcome. It is deliberately pure with respect
// to known_welcome_ids: the caller (Conversation Stream) owns that set
// and updates it after observing the result; the future itself never
// mutates it.
type WelcomeProcessor struct {
	store    storage.Store
	provider mls.Provider
}

// NewWelcomeProcessor builds a WelcomeProcessor.
func NewWelcomeProcessor(store storage.Store, provider mls.Provider) *WelcomeProcessor {
	return &WelcomeProcessor{store: store, provider: provider}
}

// Process runs one WelcomeOrGroup through decryption, materialization,
// and filtering. knownWelcomeIDs is a read-only snapshot; Process
// never writes to it.
func (p *WelcomeProcessor) Process(knownWelcomeIDs map[types.Cursor]bool, input WelcomeOrGroup, filter WelcomeFilter) (*WelcomeResult, error) {
	if input.GroupID != nil {
		return p.processLocalGroup(input.GroupID, filter)
	}
	if input.Welcome != nil {
		return p.processWelcome(knownWelcomeIDs, input.Welcome, filter)
	}
	return nil, xerrors.Wrap(xerrors.NonRetryable, errors.New("process: empty WelcomeOrGroup"))
}

func (p *WelcomeProcessor) processLocalGroup(groupID []byte, filter WelcomeFilter) (*WelcomeResult, error) {
	var result *WelcomeResult
	err := p.store.Transact(func(tx storage.Tx) error {
		group, err := tx.GetGroup(groupID)
		if err != nil {
			return xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: locally created group %x not found: %w", groupID, err))
		}
		if !p.passesFilters(tx, group, filter) {
			result = &WelcomeResult{Kind: ResultIgnore}
			return nil
		}
		result = &WelcomeResult{Kind: ResultNewStored, Group: group}
		return nil
	})
	return result, err
}

func (p *WelcomeProcessor) processWelcome(knownWelcomeIDs map[types.Cursor]bool, w *types.WelcomeMessage, filter WelcomeFilter) (*WelcomeResult, error) {
	if knownWelcomeIDs[w.Cursor] {
		return &WelcomeResult{Kind: ResultIgnoreID, ID: w.Cursor}, nil
	}

	outcome, err := p.provider.DecryptWelcome(w)
	if err != nil {
		if errors.Is(err, mls.ErrWelcomeInvalid) {
			return nil, xerrors.Wrap(xerrors.NonRetryable, fmt.Errorf("process: welcome invalid: %w", err))
		}
		return nil, xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: decrypt welcome: %w", err))
	}

	conversationType := types.ConversationGroup
	if outcome.DMID != nil {
		conversationType = types.ConversationDM
	}

	group := &types.Group{
		ID:               outcome.GroupID,
		CreatedAtNS:      types.NowNS(),
		MembershipState:  types.MembershipAllowed,
		ConversationType: conversationType,
		DMID:             outcome.DMID,
		AddedByInboxID:   outcome.AddedByInboxID,
	}

	var result *WelcomeResult
	err = p.store.Transact(func(tx storage.Tx) error {
		if err := tx.PutGroup(group); err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: store materialized group: %w", err))
		}

		if !filter.conversationTypeAllowed(group.ConversationType) {
			result = &WelcomeResult{Kind: ResultIgnore}
			return nil
		}

		if !filter.IncludeDuplicateDMs && group.DMID != nil {
			dup, err := dmDuplicateExists(tx, group)
			if err != nil {
				return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: dm duplicate check: %w", err))
			}
			if dup {
				result = &WelcomeResult{Kind: ResultIgnoreID, ID: w.Cursor}
				return nil
			}
		}

		state, err := derivedConsent(tx, group)
		if err != nil {
			return xerrors.Wrap(xerrors.Retryable, fmt.Errorf("process: consent lookup: %w", err))
		}
		if !filter.consentAllowed(state) {
			result = &WelcomeResult{Kind: ResultIgnoreID, ID: w.Cursor}
			return nil
		}

		result = &WelcomeResult{Kind: ResultNew, Group: group, ID: w.Cursor}
		return nil
	})
	return result, err
}

func (p *WelcomeProcessor) passesFilters(tx storage.Tx, group *types.Group, filter WelcomeFilter) bool {
	if !filter.conversationTypeAllowed(group.ConversationType) {
		return false
	}
	if !filter.IncludeDuplicateDMs && group.DMID != nil {
		if dup, _ := dmDuplicateExists(tx, group); dup {
			return false
		}
	}
	state, _ := derivedConsent(tx, group)
	return filter.consentAllowed(state)
}

// dmDuplicateExists reports whether a non-sync group other than group
// itself already exists with the same dm_id.
func dmDuplicateExists(tx storage.Tx, group *types.Group) (bool, error) {
	if group.DMID == nil {
		return false, nil
	}
	groups, err := tx.ListGroups()
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if string(g.ID) == string(group.ID) {
			continue
		}
		if g.ConversationType == types.ConversationSync {
			continue
		}
		if g.DMID != nil && *g.DMID == *group.DMID {
			return true, nil
		}
	}
	return false, nil
}

// derivedConsent returns the group's consent state, defaulting to
// Unknown when no explicit record exists.
func derivedConsent(tx storage.Tx, group *types.Group) (types.ConsentState, error) {
	rec, err := tx.GetConsent(fmt.Sprintf("%x", group.ID), types.ConsentEntityGroupID)
	if err != nil {
		return types.ConsentUnknown, err
	}
	if rec == nil {
		return types.ConsentUnknown, nil
	}
	return rec.State, nil
}
