// Package devicesync implements the device-sync worker: a
// per-installation goroutine that keeps a user's other installations
// consistent by exchanging encrypted state archives and preference
// updates over a dedicated "sync group", the same MLS group type every
// other group in this engine is, carrying its own wire protocol
// instead of application content.
package devicesync

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/identity"
	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
)

// primaryGroupKeyLabel is the MLS key-store overlay label under which
// this installation's primary sync group id is recorded.
const primaryGroupKeyLabel = "devicesync/primary_group"

// primaryGroupCreatorLabel marks that this installation (not one
// discovering the group via a welcome) is the one that created the
// primary sync group. AddedByInboxID alone can't answer that: every
// installation of the same inbox shares the same inbox id, so it can't
// distinguish "this installation created it" from "some other
// installation of mine did."
const primaryGroupCreatorLabel = "devicesync/primary_group_creator"

// Config configures the worker's optional remote archive endpoint. If
// ServerURL is empty, device-sync runs local-only.
type Config struct {
	ServerURL string
}

// command is one application-invoked action queued onto the worker's
// run loop, mirroring the single-owner-goroutine shape every stream in
// pkg/stream uses for its own command channels.
type command struct {
	kind commandKind

	preferences []types.PreferenceUpdate
	messageID   [32]byte
}

type commandKind int

const (
	cmdSyncPreferences commandKind = iota + 1
	cmdCycleHMAC
	cmdLegacyRequest
	cmdLegacyReply
)

// Worker is the device-sync engine for one installation. It owns a
// single primary sync group, reacts to newly materialized sync groups
// and sync-group messages via the local event broker, and exposes a
// small command API the rest of the client uses to push local changes
// onto the sync group.
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     storage.Store
	provider  mls.Provider
	client    replication.Client
	broker    *events.Broker
	identity  *identity.Identity
	transport ArchiveTransport
	cfg       Config

	groupMu sync.RWMutex
	groupID []byte

	issuedMu       sync.Mutex
	issuedRequests map[string]bool

	cmdCh chan command
	wg    sync.WaitGroup
}

// NewWorker builds a Worker; call Start to begin its run loop.
func NewWorker(
	ctx context.Context,
	store storage.Store,
	provider mls.Provider,
	client replication.Client,
	broker *events.Broker,
	id *identity.Identity,
	transport ArchiveTransport,
	cfg Config,
) *Worker {
	wctx, cancel := context.WithCancel(ctx)
	return &Worker{
		ctx:            wctx,
		cancel:         cancel,
		store:          store,
		provider:       provider,
		client:         client,
		broker:         broker,
		identity:       id,
		transport:      transport,
		cfg:            cfg,
		issuedRequests: make(map[string]bool),
		cmdCh:          make(chan command, 16),
	}
}

// Start begins the worker's run loop in a background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Close cancels the worker and waits for its goroutine to exit.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

// SyncPreferences stores updates locally and broadcasts them on the
// sync group.
func (w *Worker) SyncPreferences(updates []types.PreferenceUpdate) {
	w.enqueue(command{kind: cmdSyncPreferences, preferences: updates})
}

// CycleHMAC generates a fresh HMAC key and broadcasts it as a
// preference update.
func (w *Worker) CycleHMAC() {
	w.enqueue(command{kind: cmdCycleHMAC})
}

// LegacyRequest handles a legacy V1 device-sync request referenced by
// messageID.
func (w *Worker) LegacyRequest(messageID [32]byte) {
	w.enqueue(command{kind: cmdLegacyRequest, messageID: messageID})
}

// LegacyReply handles a legacy V1 device-sync reply referenced by
// messageID.
func (w *Worker) LegacyReply(messageID [32]byte) {
	w.enqueue(command{kind: cmdLegacyReply, messageID: messageID})
}

func (w *Worker) enqueue(c command) {
	select {
	case w.cmdCh <- c:
	case <-w.ctx.Done():
	}
}

// run is the worker's single-owner goroutine: wait for identity
// readiness, initialize the primary sync group, then loop over local
// commands and broker events, the same select-loop shape every stream
// in pkg/stream uses.
func (w *Worker) run() {
	defer w.wg.Done()

	if err := w.identity.WaitReady(w.ctx); err != nil {
		return
	}
	if err := w.init(); err != nil {
		log.Errorf("devicesync: init primary group", err)
		w.broker.Publish(&events.Event{Type: events.EventSyncWorker, Metadata: map[string]string{"status": "init_failed"}})
		return
	}
	w.broker.Publish(&events.Event{Type: events.EventSyncWorker, Metadata: map[string]string{"status": "ready"}})

	sub := w.broker.Subscribe()
	defer w.broker.Unsubscribe(sub)

	for {
		select {
		case <-w.ctx.Done():
			return

		case c := <-w.cmdCh:
			w.handleCommand(c)

		case event, ok := <-sub:
			if !ok {
				return
			}
			w.handleEvent(event)
		}
	}
}

func (w *Worker) handleCommand(c command) {
	switch c.kind {
	case cmdSyncPreferences:
		if err := w.applyAndBroadcastPreferences(c.preferences); err != nil {
			log.Errorf("devicesync: sync preferences", err)
		}
	case cmdCycleHMAC:
		if err := w.cycleHMAC(); err != nil {
			log.Errorf("devicesync: cycle hmac", err)
		}
	case cmdLegacyRequest, cmdLegacyReply:
		if err := w.handleLegacySyncMessage(c.messageID); err != nil {
			log.Errorf("devicesync: handle legacy v1 sync message", err)
		}
	}
}

// handleLegacySyncMessage dispatches a legacy V1 Request/Reply the
// same way a federated sync-group message is dispatched: the caller
// only has the message id (legacy messages carry no sync-group
// envelope to read a group id from), so the owning group is looked up
// from the stored message itself before handing off to the shared
// sync-group message handler.
func (w *Worker) handleLegacySyncMessage(messageID [32]byte) error {
	msg, err := w.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("devicesync: look up legacy sync message: %w", err)
	}
	return w.handleSyncGroupMessage(msg.GroupID, messageID)
}

func (w *Worker) handleEvent(event *events.Event) {
	switch event.Type {
	case events.EventLagged:
		log.Warn("devicesync: local event broker lagged, some sync events may have been dropped")

	case events.EventGroupMaterialized:
		w.handleGroupMaterialized(event.GroupID)

	case events.EventNewSyncGroupMessage:
		var id [32]byte
		copy(id[:], event.Message)
		if err := w.handleSyncGroupMessage(event.GroupID, id); err != nil {
			log.Errorf("devicesync: handle sync group message", err)
		}
	}
}

// init ensures the primary sync group exists, creating it if this is
// the first installation to run, then issues a sync request if a
// remote server is configured.
func (w *Worker) init() error {
	existing, err := w.store.GetMLSKey(primaryGroupKeyLabel)
	if err != nil {
		return fmt.Errorf("devicesync: read primary group key: %w", err)
	}
	if existing != nil {
		w.setGroupID(existing)
	} else {
		groupID := uuid.New()
		if err := w.createPrimaryGroup(groupID[:]); err != nil {
			return err
		}
		w.setGroupID(groupID[:])
	}

	if w.cfg.ServerURL != "" {
		if err := w.sendRequest(nil); err != nil {
			return fmt.Errorf("devicesync: send initial sync request: %w", err)
		}
	}
	return nil
}

func (w *Worker) createPrimaryGroup(groupID []byte) error {
	err := w.provider.Transaction(groupID, func(tx mls.ProviderTx) error {
		_, err := tx.CreateGroup(groupID, mls.CreateGroupParams{ConversationType: types.ConversationSync})
		return err
	})
	if err != nil {
		return fmt.Errorf("devicesync: create primary group: %w", err)
	}

	now := types.NowNS()
	err = w.store.Transact(func(tx storage.Tx) error {
		if err := tx.PutGroup(&types.Group{
			ID:               groupID,
			CreatedAtNS:      now,
			MembershipState:  types.MembershipAllowed,
			ConversationType: types.ConversationSync,
			AddedByInboxID:   w.identity.InboxID(),
		}); err != nil {
			return err
		}
		if err := tx.PutMLSKey(primaryGroupKeyLabel, groupID); err != nil {
			return err
		}
		return tx.PutMLSKey(primaryGroupCreatorLabel, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("devicesync: persist primary group: %w", err)
	}

	w.broker.Publish(&events.Event{Type: events.EventNewGroup, GroupID: groupID})
	return nil
}

func (w *Worker) setGroupID(id []byte) {
	w.groupMu.Lock()
	defer w.groupMu.Unlock()
	w.groupID = append([]byte(nil), id...)
}

func (w *Worker) currentGroupID() []byte {
	w.groupMu.RLock()
	defer w.groupMu.RUnlock()
	return w.groupID
}

// handleGroupMaterialized reacts to a second, foreign sync group
// arriving via welcome (a new installation for this inbox was welcomed
// into its own copy of the primary group before either side reconciled
// ids). This engine's mls.Provider exposes no membership-mutation
// capability, so the membership merge this should trigger ("add the
// new installation to every group the user owns") is out of reach
// here; the worker logs the gap and still cycles the HMAC so other
// installations at least see fresh key material.
func (w *Worker) handleGroupMaterialized(groupID []byte) {
	if groupID == nil {
		return
	}
	current := w.currentGroupID()
	if current != nil && string(current) == string(groupID) {
		return
	}

	group, err := w.store.GetGroup(groupID)
	if err != nil || group.ConversationType != types.ConversationSync {
		return
	}

	log.WithGroup(groupID).Warn().Msg("devicesync: a second sync group materialized for this inbox; membership reconciliation across installations is not implemented, cycling hmac only")
	if err := w.cycleHMAC(); err != nil {
		log.Errorf("devicesync: cycle hmac after foreign sync group", err)
	}
}

// handleSyncGroupMessage drives one stored sync-group message through
// its kind-specific handler, guarded by the ProcessedDeviceSyncMessages
// idempotency table.
func (w *Worker) handleSyncGroupMessage(groupID []byte, messageID [32]byte) error {
	done, err := w.store.IsDeviceSyncMessageProcessed(messageID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	msg, err := w.store.GetMessage(messageID)
	if err != nil {
		return err
	}

	sgm, err := wire.UnmarshalSyncGroupMessage(msg.DecryptedMessageBytes)
	if err != nil {
		return fmt.Errorf("devicesync: unmarshal sync group message: %w", err)
	}

	selfSent := string(msg.SenderInstallationID) == string(w.identity.InstallationID())

	switch sgm.Kind {
	case wire.SyncPayloadRequest:
		if !selfSent {
			if err := w.handleRequest(groupID, sgm); err != nil {
				return err
			}
		}
	case wire.SyncPayloadReply:
		if !selfSent {
			if err := w.handleReply(sgm); err != nil {
				return err
			}
		}
	case wire.SyncPayloadPreferenceUpdates:
		if err := w.applyPreferences(sgm.Preferences); err != nil {
			return err
		}
	case wire.SyncPayloadAcknowledge:
		// No action: accounted for by the request handler's scans.
	}

	return w.store.MarkDeviceSyncMessageProcessed(&types.ProcessedDeviceSyncMessage{
		MessageID:     messageID,
		ProcessedAtNS: types.NowNS(),
	})
}

// handleRequest implements first-writer-wins acknowledgement: check
// for an existing Acknowledge before acknowledging, build and upload
// the archive, then re-check before posting the Reply so a race
// between two installations never produces two replies for the same
// request.
func (w *Worker) handleRequest(groupID []byte, sgm *wire.SyncGroupMessageV1) error {
	metrics.DeviceSyncRequestsTotal.Inc()
	reqID := sgm.Request.RequestID

	acked, err := w.requestAlreadyAcknowledged(groupID, reqID)
	if err != nil {
		return err
	}
	if acked {
		return nil
	}
	if err := w.postAcknowledge(reqID); err != nil {
		return err
	}
	metrics.DeviceSyncAcksTotal.Inc()

	plaintext, err := BuildArchive(w.store, sgm.Request.Options)
	if err != nil {
		return fmt.Errorf("devicesync: build archive: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("devicesync: generate archive key: %w", err)
	}
	encrypted, err := EncryptArchive(key, plaintext)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	url, err := w.transport.Upload(w.ctx, reqID, encrypted)
	timer.ObserveDuration(metrics.DeviceSyncArchiveDuration)
	if err != nil {
		return fmt.Errorf("devicesync: upload archive: %w", err)
	}

	winner, err := w.earliestAcknowledger(groupID, reqID)
	if err != nil {
		return err
	}
	if winner != "" && winner != string(w.identity.InstallationID()) {
		log.WithComponent("devicesync").Debug().Str("request_id", reqID).Msg("another installation won the race for this request, dropping reply")
		return nil
	}

	if err := w.postReply(reqID, url, key); err != nil {
		return err
	}
	metrics.DeviceSyncRepliesTotal.Inc()
	return nil
}

// requestAlreadyAcknowledged scans this group's stored messages for an
// Acknowledge carrying reqID.
func (w *Worker) requestAlreadyAcknowledged(groupID []byte, reqID string) (bool, error) {
	sender, err := w.earliestAcknowledger(groupID, reqID)
	if err != nil {
		return false, err
	}
	return sender != "", nil
}

// earliestAcknowledger returns the installation id of the
// lowest-sequence-id Acknowledge for reqID in groupID, or "" if none
// exists yet. Sequence-id order is this engine's total order within a
// group, so the lowest sequence id is unambiguous even when two
// installations acknowledge concurrently.
func (w *Worker) earliestAcknowledger(groupID []byte, reqID string) (string, error) {
	msgs, err := w.store.ListMessagesForGroup(groupID)
	if err != nil {
		return "", err
	}

	var (
		winnerSender string
		winnerSeq    uint64
		found        bool
	)
	for _, m := range msgs {
		sgm, err := wire.UnmarshalSyncGroupMessage(m.DecryptedMessageBytes)
		if err != nil || sgm.Kind != wire.SyncPayloadAcknowledge || sgm.Acknowledge == nil {
			continue
		}
		if sgm.Acknowledge.RequestID != reqID {
			continue
		}
		if !found || m.SequenceID < winnerSeq {
			found = true
			winnerSeq = m.SequenceID
			winnerSender = string(m.SenderInstallationID)
		}
	}
	return winnerSender, nil
}

// handleReply verifies the reply answers a request this installation
// issued, then downloads, decrypts, and imports the archive.
func (w *Worker) handleReply(sgm *wire.SyncGroupMessageV1) error {
	reqID := sgm.Reply.RequestID
	if !w.requestWasOurs(reqID) {
		return nil
	}

	encrypted, err := w.transport.Download(w.ctx, sgm.Reply.URL)
	if err != nil {
		return fmt.Errorf("devicesync: download archive: %w", err)
	}
	plaintext, err := DecryptArchive(sgm.Reply.EncryptionKey, encrypted)
	if err != nil {
		return fmt.Errorf("devicesync: decrypt archive: %w", err)
	}
	if err := ImportArchive(w.store, plaintext); err != nil {
		return fmt.Errorf("devicesync: import archive: %w", err)
	}
	return nil
}

const issuedRequestKeyPrefix = "devicesync/issued_request/"

func issuedRequestKeyLabel(reqID string) string { return issuedRequestKeyPrefix + reqID }

// requestWasOurs reports whether this installation is entitled to
// accept a Reply for reqID: either it issued the matching Request
// itself (checked in-memory first, then against the durable record so
// a request issued before a restart is still recognized), or it is
// the installation that created the primary sync group, which stands
// in as the original requester when no explicit request id survived.
func (w *Worker) requestWasOurs(reqID string) bool {
	w.issuedMu.Lock()
	issued := w.issuedRequests[reqID]
	w.issuedMu.Unlock()
	if issued {
		return true
	}

	if v, err := w.store.GetMLSKey(issuedRequestKeyLabel(reqID)); err != nil {
		log.Errorf("devicesync: read issued request record", err)
	} else if v != nil {
		return true
	}

	return w.createdPrimaryGroup()
}

// createdPrimaryGroup reports whether this installation is the one
// that created the current primary sync group, as opposed to
// discovering a pre-existing one (e.g. via a welcome). The marker is
// persisted, so it still holds after this installation restarts.
func (w *Worker) createdPrimaryGroup() bool {
	v, err := w.store.GetMLSKey(primaryGroupCreatorLabel)
	if err != nil {
		log.Errorf("devicesync: read primary group creator marker", err)
		return false
	}
	return v != nil
}

func (w *Worker) markIssued(reqID string) {
	w.issuedMu.Lock()
	w.issuedRequests[reqID] = true
	w.issuedMu.Unlock()

	if err := w.store.PutMLSKey(issuedRequestKeyLabel(reqID), []byte{1}); err != nil {
		log.Errorf("devicesync: persist issued request", err)
	}
}

// applyPreferences applies updates to local state unconditionally:
// sync-group ordering is authoritative even for self-sent updates.
func (w *Worker) applyPreferences(entries []wire.PreferenceEntryV1) error {
	for _, e := range entries {
		if err := w.store.PutPreference(&types.PreferenceUpdate{
			Name:          e.Name,
			Value:         e.Value,
			UpdatedAtNS:   e.UpdatedAtNS,
		}); err != nil {
			return err
		}
	}
	w.broker.Publish(&events.Event{Type: events.EventPreferencesChanged})
	return nil
}

func (w *Worker) applyAndBroadcastPreferences(updates []types.PreferenceUpdate) error {
	entries := make([]wire.PreferenceEntryV1, 0, len(updates))
	for _, u := range updates {
		if u.UpdatedAtNS == 0 {
			u.UpdatedAtNS = types.NowNS()
		}
		if err := w.store.PutPreference(&u); err != nil {
			return err
		}
		entries = append(entries, wire.PreferenceEntryV1{Name: u.Name, Value: u.Value, UpdatedAtNS: u.UpdatedAtNS})
	}
	return w.postPreferenceUpdate(entries)
}

const hmacPreferenceName = "devicesync/hmac_key"

func (w *Worker) cycleHMAC() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("devicesync: generate hmac key: %w", err)
	}
	update := types.PreferenceUpdate{
		Name:        hmacPreferenceName,
		Value:       fmt.Sprintf("%x", key),
		UpdatedAtNS: types.NowNS(),
	}
	return w.applyAndBroadcastPreferences([]types.PreferenceUpdate{update})
}

func (w *Worker) sendRequest(options []wire.WelcomeMetadataEntry) error {
	reqID := uuid.NewString()
	w.markIssued(reqID)
	metrics.DeviceSyncRequestsTotal.Inc()
	return w.publish(&wire.SyncGroupMessageV1{
		Kind:    wire.SyncPayloadRequest,
		Request: &wire.SyncRequestV1{RequestID: reqID, Options: options},
	})
}

func (w *Worker) postAcknowledge(reqID string) error {
	return w.publish(&wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadAcknowledge,
		Acknowledge: &wire.SyncAcknowledgeV1{RequestID: reqID},
	})
}

func (w *Worker) postReply(reqID, url string, key []byte) error {
	return w.publish(&wire.SyncGroupMessageV1{
		Kind: wire.SyncPayloadReply,
		Reply: &wire.SyncReplyV1{
			RequestID:     reqID,
			URL:           url,
			EncryptionKey: key,
		},
	})
}

func (w *Worker) postPreferenceUpdate(entries []wire.PreferenceEntryV1) error {
	return w.publish(&wire.SyncGroupMessageV1{
		Kind:        wire.SyncPayloadPreferenceUpdates,
		Preferences: entries,
	})
}

// publish wraps sgm as an application payload for the primary sync
// group and hands it to the replication client, the same envelope
// shape any other application message takes: AAD targets the group's
// topic, payload is the MLS-encrypted (here, memory-encoded)
// application content.
func (w *Worker) publish(sgm *wire.SyncGroupMessageV1) error {
	groupID := w.currentGroupID()
	if groupID == nil {
		return fmt.Errorf("devicesync: primary group not initialized")
	}
	sgm.SenderInstallationID = w.identity.InstallationID()

	payload := mls.EncodeApplicationPayload(mls.ApplicationContent{
		ContentType:          "xmtp.org/devicesync",
		Bytes:                wire.MarshalSyncGroupMessage(sgm),
		SenderInstallationID: w.identity.InstallationID(),
		SenderInboxID:        w.identity.InboxID(),
	})

	env := &wire.ClientEnvelope{
		AAD:     wire.ClientEnvelopeAAD{TargetTopic: groupID},
		Payload: payload,
	}
	return w.client.PublishEnvelope(w.ctx, env)
}
