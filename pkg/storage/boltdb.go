package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/xmtp/mlsengine/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketGroups            = []byte("groups")
	bucketGroupMessages      = []byte("group_messages")
	bucketMessageEdits       = []byte("message_edits")
	bucketMessageDeletions   = []byte("message_deletions")
	bucketConsentRecords     = []byte("consent_records")
	bucketUserPreferences    = []byte("user_preferences")
	bucketRefreshState       = []byte("refresh_state")
	bucketLocalCommitLog     = []byte("local_commit_log")
	bucketRemoteCommitLog    = []byte("remote_commit_log")
	bucketIdentity           = []byte("identity")
	bucketKeyPackageHistory  = []byte("key_package_history")
	bucketDeviceSyncProcessed = []byte("processed_device_sync_messages")
	bucketCursors            = []byte("cursors")
	bucketMLSKeys            = []byte("mls_keys")

	allBuckets = [][]byte{
		bucketGroups,
		bucketGroupMessages,
		bucketMessageEdits,
		bucketMessageDeletions,
		bucketConsentRecords,
		bucketUserPreferences,
		bucketRefreshState,
		bucketLocalCommitLog,
		bucketRemoteCommitLog,
		bucketIdentity,
		bucketKeyPackageHistory,
		bucketDeviceSyncProcessed,
		bucketCursors,
		bucketMLSKeys,
	}
)

// BoltStore implements Store on top of go.etcd.io/bbolt, one bucket per
// table, JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mlsengine.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// boltTx adapts a *bolt.Tx to the Tx interface.
type boltTx struct {
	tx *bolt.Tx
}

// Transact runs fn inside one read-write transaction.
func (s *BoltStore) Transact(fn func(tx Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// View runs fn inside one read-only transaction.
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// --- Groups ---

func (t *boltTx) PutGroup(group *types.Group) error {
	return putJSON(t.tx.Bucket(bucketGroups), group.ID, group)
}

func (t *boltTx) GetGroup(id []byte) (*types.Group, error) {
	var group types.Group
	ok, err := getJSON(t.tx.Bucket(bucketGroups), id, &group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("group not found: %x", id)
	}
	return &group, nil
}

func (t *boltTx) ListGroups() ([]*types.Group, error) {
	var groups []*types.Group
	err := t.tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
		var group types.Group
		if err := json.Unmarshal(v, &group); err != nil {
			return err
		}
		groups = append(groups, &group)
		return nil
	})
	return groups, err
}

func (t *boltTx) DeleteGroup(id []byte) error {
	return t.tx.Bucket(bucketGroups).Delete(id)
}

// --- Group messages ---

func (t *boltTx) PutMessage(msg *types.StoredGroupMessage) error {
	return putJSON(t.tx.Bucket(bucketGroupMessages), msg.ID[:], msg)
}

func (t *boltTx) GetMessage(id [32]byte) (*types.StoredGroupMessage, error) {
	var msg types.StoredGroupMessage
	ok, err := getJSON(t.tx.Bucket(bucketGroupMessages), id[:], &msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("message not found: %x", id)
	}
	return &msg, nil
}

func (t *boltTx) ListMessagesForGroup(groupID []byte) ([]*types.StoredGroupMessage, error) {
	var msgs []*types.StoredGroupMessage
	err := t.tx.Bucket(bucketGroupMessages).ForEach(func(k, v []byte) error {
		var msg types.StoredGroupMessage
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}
		if string(msg.GroupID) == string(groupID) {
			msgs = append(msgs, &msg)
		}
		return nil
	})
	return msgs, err
}

func (t *boltTx) ListMessagesSince(groupID []byte, since types.Cursor) ([]*types.StoredGroupMessage, error) {
	all, err := t.ListMessagesForGroup(groupID)
	if err != nil {
		return nil, err
	}
	var filtered []*types.StoredGroupMessage
	for _, msg := range all {
		if since.Less(msg.Cursor()) {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}

// --- Message edits and deletions ---

func (t *boltTx) PutMessageEdit(edit *types.MessageEdit) error {
	return putJSON(t.tx.Bucket(bucketMessageEdits), edit.ID[:], edit)
}

func (t *boltTx) ListEditsForMessage(messageID [32]byte) ([]*types.MessageEdit, error) {
	var edits []*types.MessageEdit
	err := t.tx.Bucket(bucketMessageEdits).ForEach(func(k, v []byte) error {
		var edit types.MessageEdit
		if err := json.Unmarshal(v, &edit); err != nil {
			return err
		}
		if edit.OriginalMessageID == messageID {
			edits = append(edits, &edit)
		}
		return nil
	})
	return edits, err
}

func (t *boltTx) PutMessageDeletion(del *types.MessageDeletion) error {
	return putJSON(t.tx.Bucket(bucketMessageDeletions), del.OriginalMessageID[:], del)
}

func (t *boltTx) GetMessageDeletion(originalMessageID [32]byte) (*types.MessageDeletion, error) {
	var del types.MessageDeletion
	ok, err := getJSON(t.tx.Bucket(bucketMessageDeletions), originalMessageID[:], &del)
	if err != nil || !ok {
		return nil, err
	}
	return &del, nil
}

// --- Consent and preferences ---

func consentKey(entity string, entityType types.ConsentEntityType) []byte {
	return []byte(string(entityType) + "/" + entity)
}

func (t *boltTx) PutConsent(rec *types.ConsentRecord) error {
	return putJSON(t.tx.Bucket(bucketConsentRecords), consentKey(rec.Entity, rec.EntityType), rec)
}

func (t *boltTx) GetConsent(entity string, entityType types.ConsentEntityType) (*types.ConsentRecord, error) {
	var rec types.ConsentRecord
	ok, err := getJSON(t.tx.Bucket(bucketConsentRecords), consentKey(entity, entityType), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (t *boltTx) ListConsent() ([]*types.ConsentRecord, error) {
	var recs []*types.ConsentRecord
	err := t.tx.Bucket(bucketConsentRecords).ForEach(func(k, v []byte) error {
		var rec types.ConsentRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		recs = append(recs, &rec)
		return nil
	})
	return recs, err
}

func (t *boltTx) PutPreference(pref *types.PreferenceUpdate) error {
	return putJSON(t.tx.Bucket(bucketUserPreferences), []byte(pref.Name), pref)
}

func (t *boltTx) GetPreference(name string) (*types.PreferenceUpdate, error) {
	var pref types.PreferenceUpdate
	ok, err := getJSON(t.tx.Bucket(bucketUserPreferences), []byte(name), &pref)
	if err != nil || !ok {
		return nil, err
	}
	return &pref, nil
}

func (t *boltTx) ListPreferences() ([]*types.PreferenceUpdate, error) {
	var prefs []*types.PreferenceUpdate
	err := t.tx.Bucket(bucketUserPreferences).ForEach(func(k, v []byte) error {
		var pref types.PreferenceUpdate
		if err := json.Unmarshal(v, &pref); err != nil {
			return err
		}
		prefs = append(prefs, &pref)
		return nil
	})
	return prefs, err
}

// --- Resumable refresh state ---

func refreshStateKey(entityID string, kind types.RefreshStateKind) []byte {
	return []byte(entityID + "/" + string(kind))
}

func (t *boltTx) GetRefreshState(entityID string, kind types.RefreshStateKind) (*types.RefreshState, error) {
	var state types.RefreshState
	ok, err := getJSON(t.tx.Bucket(bucketRefreshState), refreshStateKey(entityID, kind), &state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.RefreshState{EntityID: entityID, Kind: kind}, nil
	}
	return &state, nil
}

func (t *boltTx) PutRefreshState(state *types.RefreshState) error {
	return putJSON(t.tx.Bucket(bucketRefreshState), refreshStateKey(state.EntityID, state.Kind), state)
}

// --- Commit log ---

func commitLogKey(groupID []byte, sequenceID uint64) []byte {
	key := make([]byte, len(groupID)+1+8)
	n := copy(key, groupID)
	key[n] = '/'
	binary.BigEndian.PutUint64(key[n+1:], sequenceID)
	return key
}

func (t *boltTx) AppendLocalCommitLogEntry(entry *types.SignedCommitLogEntry) error {
	key := commitLogKey(entry.Entry.GroupID, entry.Entry.CommitSequenceID)
	return putJSON(t.tx.Bucket(bucketLocalCommitLog), key, entry)
}

func (t *boltTx) ListLocalCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error) {
	return scanCommitLogBucket(t.tx.Bucket(bucketLocalCommitLog), groupID)
}

func (t *boltTx) PutRemoteCommitLogEntries(groupID []byte, entries []*types.SignedCommitLogEntry) error {
	b := t.tx.Bucket(bucketRemoteCommitLog)
	for _, entry := range entries {
		key := commitLogKey(groupID, entry.Entry.CommitSequenceID)
		if err := putJSON(b, key, entry); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) ListRemoteCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error) {
	return scanCommitLogBucket(t.tx.Bucket(bucketRemoteCommitLog), groupID)
}

func scanCommitLogBucket(b *bolt.Bucket, groupID []byte) ([]*types.SignedCommitLogEntry, error) {
	var entries []*types.SignedCommitLogEntry
	prefix := append(append([]byte{}, groupID...), '/')
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var entry types.SignedCommitLogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Identity ---

func (t *boltTx) PutInstallation(inst *types.Installation) error {
	return putJSON(t.tx.Bucket(bucketIdentity), inst.ID, inst)
}

func (t *boltTx) GetInstallation(id []byte) (*types.Installation, error) {
	var inst types.Installation
	ok, err := getJSON(t.tx.Bucket(bucketIdentity), id, &inst)
	if err != nil || !ok {
		return nil, err
	}
	return &inst, nil
}

// --- Key packages ---

func keyPackageKey(installationID, keyPackageRef []byte) []byte {
	key := make([]byte, 0, len(installationID)+1+len(keyPackageRef))
	key = append(key, installationID...)
	key = append(key, '/')
	key = append(key, keyPackageRef...)
	return key
}

func (t *boltTx) PutKeyPackageHistory(kp *types.KeyPackageHistory) error {
	return putJSON(t.tx.Bucket(bucketKeyPackageHistory), keyPackageKey(kp.InstallationID, kp.KeyPackageRef), kp)
}

func (t *boltTx) ListKeyPackageHistory(installationID []byte) ([]*types.KeyPackageHistory, error) {
	var history []*types.KeyPackageHistory
	prefix := append(append([]byte{}, installationID...), '/')
	c := t.tx.Bucket(bucketKeyPackageHistory).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var kp types.KeyPackageHistory
		if err := json.Unmarshal(v, &kp); err != nil {
			return nil, err
		}
		history = append(history, &kp)
	}
	return history, nil
}

// --- Device sync idempotency ---

func (t *boltTx) MarkDeviceSyncMessageProcessed(msg *types.ProcessedDeviceSyncMessage) error {
	return putJSON(t.tx.Bucket(bucketDeviceSyncProcessed), msg.MessageID[:], msg)
}

func (t *boltTx) IsDeviceSyncMessageProcessed(messageID [32]byte) (bool, error) {
	return t.tx.Bucket(bucketDeviceSyncProcessed).Get(messageID[:]) != nil, nil
}

// --- Cursors ---

func (t *boltTx) GetCursor(topic types.Topic) (types.Cursor, error) {
	var cursor types.Cursor
	ok, err := getJSON(t.tx.Bucket(bucketCursors), topic.Bytes(), &cursor)
	if err != nil {
		return types.Cursor{}, err
	}
	if !ok {
		return types.Cursor{}, nil
	}
	return cursor, nil
}

func (t *boltTx) SetCursor(topic types.Topic, cursor types.Cursor) error {
	return putJSON(t.tx.Bucket(bucketCursors), topic.Bytes(), cursor)
}

func (t *boltTx) LatestCursorsForTopics(topics []types.Topic) (types.TopicCursor, error) {
	result := make(types.TopicCursor, len(topics))
	for _, topic := range topics {
		cursor, err := t.GetCursor(topic)
		if err != nil {
			return nil, err
		}
		result.Set(topic, cursor)
	}
	return result, nil
}

// --- MLS key store overlay ---

func (t *boltTx) PutMLSKey(label string, value []byte) error {
	return t.tx.Bucket(bucketMLSKeys).Put([]byte(label), value)
}

func (t *boltTx) GetMLSKey(label string) ([]byte, error) {
	data := t.tx.Bucket(bucketMLSKeys).Get([]byte(label))
	if data == nil {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (t *boltTx) DeleteMLSKey(label string) error {
	return t.tx.Bucket(bucketMLSKeys).Delete([]byte(label))
}

// --- Store convenience wrappers: one-statement transactions ---

func (s *BoltStore) PutGroup(group *types.Group) error {
	return s.Transact(func(tx Tx) error { return tx.PutGroup(group) })
}

func (s *BoltStore) GetGroup(id []byte) (*types.Group, error) {
	var group *types.Group
	err := s.View(func(tx Tx) error {
		g, err := tx.GetGroup(id)
		group = g
		return err
	})
	return group, err
}

func (s *BoltStore) ListGroups() ([]*types.Group, error) {
	var groups []*types.Group
	err := s.View(func(tx Tx) error {
		g, err := tx.ListGroups()
		groups = g
		return err
	})
	return groups, err
}

func (s *BoltStore) DeleteGroup(id []byte) error {
	return s.Transact(func(tx Tx) error { return tx.DeleteGroup(id) })
}

func (s *BoltStore) PutMessage(msg *types.StoredGroupMessage) error {
	return s.Transact(func(tx Tx) error { return tx.PutMessage(msg) })
}

func (s *BoltStore) GetMessage(id [32]byte) (*types.StoredGroupMessage, error) {
	var msg *types.StoredGroupMessage
	err := s.View(func(tx Tx) error {
		m, err := tx.GetMessage(id)
		msg = m
		return err
	})
	return msg, err
}

func (s *BoltStore) ListMessagesForGroup(groupID []byte) ([]*types.StoredGroupMessage, error) {
	var msgs []*types.StoredGroupMessage
	err := s.View(func(tx Tx) error {
		m, err := tx.ListMessagesForGroup(groupID)
		msgs = m
		return err
	})
	return msgs, err
}

func (s *BoltStore) ListMessagesSince(groupID []byte, since types.Cursor) ([]*types.StoredGroupMessage, error) {
	var msgs []*types.StoredGroupMessage
	err := s.View(func(tx Tx) error {
		m, err := tx.ListMessagesSince(groupID, since)
		msgs = m
		return err
	})
	return msgs, err
}

func (s *BoltStore) PutMessageEdit(edit *types.MessageEdit) error {
	return s.Transact(func(tx Tx) error { return tx.PutMessageEdit(edit) })
}

func (s *BoltStore) ListEditsForMessage(messageID [32]byte) ([]*types.MessageEdit, error) {
	var edits []*types.MessageEdit
	err := s.View(func(tx Tx) error {
		e, err := tx.ListEditsForMessage(messageID)
		edits = e
		return err
	})
	return edits, err
}

func (s *BoltStore) PutMessageDeletion(del *types.MessageDeletion) error {
	return s.Transact(func(tx Tx) error { return tx.PutMessageDeletion(del) })
}

func (s *BoltStore) GetMessageDeletion(originalMessageID [32]byte) (*types.MessageDeletion, error) {
	var del *types.MessageDeletion
	err := s.View(func(tx Tx) error {
		d, err := tx.GetMessageDeletion(originalMessageID)
		del = d
		return err
	})
	return del, err
}

func (s *BoltStore) PutConsent(rec *types.ConsentRecord) error {
	return s.Transact(func(tx Tx) error { return tx.PutConsent(rec) })
}

func (s *BoltStore) GetConsent(entity string, entityType types.ConsentEntityType) (*types.ConsentRecord, error) {
	var rec *types.ConsentRecord
	err := s.View(func(tx Tx) error {
		r, err := tx.GetConsent(entity, entityType)
		rec = r
		return err
	})
	return rec, err
}

func (s *BoltStore) ListConsent() ([]*types.ConsentRecord, error) {
	var recs []*types.ConsentRecord
	err := s.View(func(tx Tx) error {
		r, err := tx.ListConsent()
		recs = r
		return err
	})
	return recs, err
}

func (s *BoltStore) PutPreference(pref *types.PreferenceUpdate) error {
	return s.Transact(func(tx Tx) error { return tx.PutPreference(pref) })
}

func (s *BoltStore) GetPreference(name string) (*types.PreferenceUpdate, error) {
	var pref *types.PreferenceUpdate
	err := s.View(func(tx Tx) error {
		p, err := tx.GetPreference(name)
		pref = p
		return err
	})
	return pref, err
}

func (s *BoltStore) ListPreferences() ([]*types.PreferenceUpdate, error) {
	var prefs []*types.PreferenceUpdate
	err := s.View(func(tx Tx) error {
		p, err := tx.ListPreferences()
		prefs = p
		return err
	})
	return prefs, err
}

func (s *BoltStore) GetRefreshState(entityID string, kind types.RefreshStateKind) (*types.RefreshState, error) {
	var state *types.RefreshState
	err := s.View(func(tx Tx) error {
		st, err := tx.GetRefreshState(entityID, kind)
		state = st
		return err
	})
	return state, err
}

func (s *BoltStore) PutRefreshState(state *types.RefreshState) error {
	return s.Transact(func(tx Tx) error { return tx.PutRefreshState(state) })
}

func (s *BoltStore) AppendLocalCommitLogEntry(entry *types.SignedCommitLogEntry) error {
	return s.Transact(func(tx Tx) error { return tx.AppendLocalCommitLogEntry(entry) })
}

func (s *BoltStore) ListLocalCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error) {
	var entries []*types.SignedCommitLogEntry
	err := s.View(func(tx Tx) error {
		e, err := tx.ListLocalCommitLogEntries(groupID)
		entries = e
		return err
	})
	return entries, err
}

func (s *BoltStore) PutRemoteCommitLogEntries(groupID []byte, entries []*types.SignedCommitLogEntry) error {
	return s.Transact(func(tx Tx) error { return tx.PutRemoteCommitLogEntries(groupID, entries) })
}

func (s *BoltStore) ListRemoteCommitLogEntries(groupID []byte) ([]*types.SignedCommitLogEntry, error) {
	var entries []*types.SignedCommitLogEntry
	err := s.View(func(tx Tx) error {
		e, err := tx.ListRemoteCommitLogEntries(groupID)
		entries = e
		return err
	})
	return entries, err
}

func (s *BoltStore) PutInstallation(inst *types.Installation) error {
	return s.Transact(func(tx Tx) error { return tx.PutInstallation(inst) })
}

func (s *BoltStore) GetInstallation(id []byte) (*types.Installation, error) {
	var inst *types.Installation
	err := s.View(func(tx Tx) error {
		i, err := tx.GetInstallation(id)
		inst = i
		return err
	})
	return inst, err
}

func (s *BoltStore) PutKeyPackageHistory(kp *types.KeyPackageHistory) error {
	return s.Transact(func(tx Tx) error { return tx.PutKeyPackageHistory(kp) })
}

func (s *BoltStore) ListKeyPackageHistory(installationID []byte) ([]*types.KeyPackageHistory, error) {
	var history []*types.KeyPackageHistory
	err := s.View(func(tx Tx) error {
		h, err := tx.ListKeyPackageHistory(installationID)
		history = h
		return err
	})
	return history, err
}

func (s *BoltStore) MarkDeviceSyncMessageProcessed(msg *types.ProcessedDeviceSyncMessage) error {
	return s.Transact(func(tx Tx) error { return tx.MarkDeviceSyncMessageProcessed(msg) })
}

func (s *BoltStore) IsDeviceSyncMessageProcessed(messageID [32]byte) (bool, error) {
	var processed bool
	err := s.View(func(tx Tx) error {
		p, err := tx.IsDeviceSyncMessageProcessed(messageID)
		processed = p
		return err
	})
	return processed, err
}

func (s *BoltStore) GetCursor(topic types.Topic) (types.Cursor, error) {
	var cursor types.Cursor
	err := s.View(func(tx Tx) error {
		c, err := tx.GetCursor(topic)
		cursor = c
		return err
	})
	return cursor, err
}

func (s *BoltStore) SetCursor(topic types.Topic, cursor types.Cursor) error {
	return s.Transact(func(tx Tx) error { return tx.SetCursor(topic, cursor) })
}

func (s *BoltStore) LatestCursorsForTopics(topics []types.Topic) (types.TopicCursor, error) {
	var result types.TopicCursor
	err := s.View(func(tx Tx) error {
		r, err := tx.LatestCursorsForTopics(topics)
		result = r
		return err
	})
	return result, err
}

func (s *BoltStore) PutMLSKey(label string, value []byte) error {
	return s.Transact(func(tx Tx) error { return tx.PutMLSKey(label, value) })
}

func (s *BoltStore) GetMLSKey(label string) ([]byte, error) {
	var value []byte
	err := s.View(func(tx Tx) error {
		v, err := tx.GetMLSKey(label)
		value = v
		return err
	})
	return value, err
}

func (s *BoltStore) DeleteMLSKey(label string) error {
	return s.Transact(func(tx Tx) error { return tx.DeleteMLSKey(label) })
}
