package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SyncPayloadKind distinguishes the four message shapes carried on a
// sync group's topic.
type SyncPayloadKind uint32

const (
	SyncPayloadRequest SyncPayloadKind = iota + 1
	SyncPayloadReply
	SyncPayloadPreferenceUpdates
	SyncPayloadAcknowledge
)

// SyncRequestV1 asks another installation to build and upload an
// encrypted archive. Options are archive-scoping knobs (e.g. which
// groups, which element kinds) passed through to the archive builder
// untouched by the wire layer.
type SyncRequestV1 struct {
	RequestID string
	Options   []WelcomeMetadataEntry // reused key/value entry shape
}

// SyncReplyV1 answers a SyncRequestV1 with where to fetch the archive
// and how to decrypt it.
type SyncReplyV1 struct {
	RequestID     string
	URL           string
	EncryptionKey []byte
	Metadata      []WelcomeMetadataEntry
}

// SyncAcknowledgeV1 claims first-writer-wins responsibility for a
// request id.
type SyncAcknowledgeV1 struct {
	RequestID string
}

// PreferenceEntryV1 is one synced user preference value.
type PreferenceEntryV1 struct {
	Name        string
	Value       string
	UpdatedAtNS int64
}

// SyncGroupMessageV1 is the payload carried by an application message
// published to a sync group.
type SyncGroupMessageV1 struct {
	MessageID            []byte // 32 bytes, content-addressed by the caller
	SenderInstallationID []byte
	Kind                 SyncPayloadKind

	Request     *SyncRequestV1
	Reply       *SyncReplyV1
	Preferences []PreferenceEntryV1
	Acknowledge *SyncAcknowledgeV1
}

const (
	fieldSyncMessageID     protowire.Number = 1
	fieldSyncSenderInstall protowire.Number = 2
	fieldSyncKind          protowire.Number = 3
	fieldSyncRequest       protowire.Number = 4
	fieldSyncReply         protowire.Number = 5
	fieldSyncPreference    protowire.Number = 6
	fieldSyncAcknowledge   protowire.Number = 7

	fieldReqID      protowire.Number = 1
	fieldReqOptions protowire.Number = 2

	fieldReplyReqID  protowire.Number = 1
	fieldReplyURL    protowire.Number = 2
	fieldReplyKey    protowire.Number = 3
	fieldReplyMeta   protowire.Number = 4

	fieldPrefName      protowire.Number = 1
	fieldPrefValue     protowire.Number = 2
	fieldPrefUpdatedNS protowire.Number = 3

	fieldAckReqID protowire.Number = 1

	topFieldSyncGroupMessageV1 protowire.Number = 1
)

func marshalSyncRequest(r *SyncRequestV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReqID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(r.RequestID))
	for _, o := range r.Options {
		body := marshalMetadataEntry(o)
		b = protowire.AppendTag(b, fieldReqOptions, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

func unmarshalSyncRequest(data []byte) (*SyncRequestV1, error) {
	r := &SyncRequestV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in SyncRequestV1")
		}
		data = data[n:]
		switch num {
		case fieldReqID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad request_id")
			}
			r.RequestID = string(x)
			data = data[n:]
		case fieldReqOptions:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad request option")
			}
			entry, err := unmarshalMetadataEntry(x)
			if err != nil {
				return nil, err
			}
			r.Options = append(r.Options, entry)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in SyncRequestV1", num)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func marshalSyncReply(r *SyncReplyV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReplyReqID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(r.RequestID))
	b = protowire.AppendTag(b, fieldReplyURL, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(r.URL))
	b = protowire.AppendTag(b, fieldReplyKey, protowire.BytesType)
	b = protowire.AppendBytes(b, r.EncryptionKey)
	for _, m := range r.Metadata {
		body := marshalMetadataEntry(m)
		b = protowire.AppendTag(b, fieldReplyMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

func unmarshalSyncReply(data []byte) (*SyncReplyV1, error) {
	r := &SyncReplyV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in SyncReplyV1")
		}
		data = data[n:]
		switch num {
		case fieldReplyReqID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad reply request_id")
			}
			r.RequestID = string(x)
			data = data[n:]
		case fieldReplyURL:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad reply url")
			}
			r.URL = string(x)
			data = data[n:]
		case fieldReplyKey:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad reply encryption_key")
			}
			r.EncryptionKey = append([]byte(nil), x...)
			data = data[n:]
		case fieldReplyMeta:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad reply metadata")
			}
			entry, err := unmarshalMetadataEntry(x)
			if err != nil {
				return nil, err
			}
			r.Metadata = append(r.Metadata, entry)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in SyncReplyV1", num)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func marshalPreferenceEntry(p PreferenceEntryV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPrefName, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(p.Name))
	b = protowire.AppendTag(b, fieldPrefValue, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(p.Value))
	b = protowire.AppendTag(b, fieldPrefUpdatedNS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.UpdatedAtNS))
	return b
}

func unmarshalPreferenceEntry(data []byte) (PreferenceEntryV1, error) {
	var p PreferenceEntryV1
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("wire: bad tag in PreferenceEntryV1")
		}
		data = data[n:]
		switch num {
		case fieldPrefName:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("wire: bad preference name")
			}
			p.Name = string(x)
			data = data[n:]
		case fieldPrefValue:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("wire: bad preference value")
			}
			p.Value = string(x)
			data = data[n:]
		case fieldPrefUpdatedNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("wire: bad preference updated_at_ns")
			}
			p.UpdatedAtNS = int64(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("wire: bad unknown field %d in PreferenceEntryV1", num)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func marshalSyncAcknowledge(a *SyncAcknowledgeV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAckReqID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(a.RequestID))
	return b
}

func unmarshalSyncAcknowledge(data []byte) (*SyncAcknowledgeV1, error) {
	a := &SyncAcknowledgeV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in SyncAcknowledgeV1")
		}
		data = data[n:]
		switch num {
		case fieldAckReqID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad ack request_id")
			}
			a.RequestID = string(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in SyncAcknowledgeV1", num)
			}
			data = data[n:]
		}
	}
	return a, nil
}

func marshalSyncGroupMessageV1(m *SyncGroupMessageV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSyncMessageID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.MessageID)
	b = protowire.AppendTag(b, fieldSyncSenderInstall, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SenderInstallationID)
	b = protowire.AppendTag(b, fieldSyncKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	if m.Request != nil {
		b = protowire.AppendTag(b, fieldSyncRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSyncRequest(m.Request))
	}
	if m.Reply != nil {
		b = protowire.AppendTag(b, fieldSyncReply, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSyncReply(m.Reply))
	}
	for _, p := range m.Preferences {
		b = protowire.AppendTag(b, fieldSyncPreference, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPreferenceEntry(p))
	}
	if m.Acknowledge != nil {
		b = protowire.AppendTag(b, fieldSyncAcknowledge, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalSyncAcknowledge(m.Acknowledge))
	}
	return b
}

func unmarshalSyncGroupMessageV1(data []byte) (*SyncGroupMessageV1, error) {
	m := &SyncGroupMessageV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in SyncGroupMessageV1")
		}
		data = data[n:]
		switch num {
		case fieldSyncMessageID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync message id")
			}
			m.MessageID = append([]byte(nil), x...)
			data = data[n:]
		case fieldSyncSenderInstall:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync sender installation id")
			}
			m.SenderInstallationID = append([]byte(nil), x...)
			data = data[n:]
		case fieldSyncKind:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync kind")
			}
			m.Kind = SyncPayloadKind(x)
			data = data[n:]
		case fieldSyncRequest:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync request")
			}
			req, err := unmarshalSyncRequest(x)
			if err != nil {
				return nil, err
			}
			m.Request = req
			data = data[n:]
		case fieldSyncReply:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync reply")
			}
			reply, err := unmarshalSyncReply(x)
			if err != nil {
				return nil, err
			}
			m.Reply = reply
			data = data[n:]
		case fieldSyncPreference:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync preference")
			}
			entry, err := unmarshalPreferenceEntry(x)
			if err != nil {
				return nil, err
			}
			m.Preferences = append(m.Preferences, entry)
			data = data[n:]
		case fieldSyncAcknowledge:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sync acknowledge")
			}
			ack, err := unmarshalSyncAcknowledge(x)
			if err != nil {
				return nil, err
			}
			m.Acknowledge = ack
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in SyncGroupMessageV1", num)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// MarshalSyncGroupMessage wraps m as the top-level sync-group message
// wire payload, suitable as the Bytes field of an ApplicationContent
// published to a sync group's topic.
func MarshalSyncGroupMessage(m *SyncGroupMessageV1) []byte {
	inner := marshalSyncGroupMessageV1(m)
	var b []byte
	b = protowire.AppendTag(b, topFieldSyncGroupMessageV1, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// UnmarshalSyncGroupMessage decodes a top-level sync-group message.
func UnmarshalSyncGroupMessage(data []byte) (*SyncGroupMessageV1, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != topFieldSyncGroupMessageV1 || typ != protowire.BytesType {
		return nil, fmt.Errorf("wire: not a sync group message")
	}
	data = data[n:]
	inner, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, fmt.Errorf("wire: bad sync group message body")
	}
	return unmarshalSyncGroupMessageV1(inner)
}

// --- Backup archive elements -------------------------------------------

// BackupElementKind tags which field of BackupElementV1 is populated.
type BackupElementKind uint32

const (
	BackupElementMetadata BackupElementKind = iota + 1
	BackupElementGroup
	BackupElementGroupMessage
	BackupElementConsent
	BackupElementEvent
)

// BackupMetadataV1 must be the first element of every archive.
type BackupMetadataV1 struct {
	Elements     []uint32
	ExportedAtNS int64
	StartNS      int64
	HasStartNS   bool
	EndNS        int64
	HasEndNS     bool
}

// BackupGroupV1 is the subset of a Group row carried in an archive.
type BackupGroupV1 struct {
	ID               []byte
	CreatedAtNS      int64
	ConversationType string
	DMID             string
	HasDMID          bool
	AddedByInboxID   string
}

// BackupGroupMessageV1 is the subset of a StoredGroupMessage row
// carried in an archive.
type BackupGroupMessageV1 struct {
	ID                    []byte
	GroupID               []byte
	DecryptedMessageBytes []byte
	SentAtNS              int64
	Kind                  string
	SenderInboxID         string
	SequenceID            uint64
	OriginatorID          uint32
}

// BackupConsentV1 is one consent record carried in an archive.
type BackupConsentV1 struct {
	Entity      string
	EntityType  string
	State       string
	UpdatedAtNS int64
}

// BackupEventV1 is a generic observability/event record carried in an
// archive (e.g. StreamClosed history), included for completeness of
// the archive format; not required for any Non-goal'd functionality.
type BackupEventV1 struct {
	Type        string
	GroupID     []byte
	Message     string
	TimestampNS int64
}

// BackupElementV1 is one record of the length-delimited archive
// sequence.
type BackupElementV1 struct {
	Kind BackupElementKind

	Metadata     *BackupMetadataV1
	Group        *BackupGroupV1
	GroupMessage *BackupGroupMessageV1
	Consent      *BackupConsentV1
	Event        *BackupEventV1
}

const (
	fieldElemKind         protowire.Number = 1
	fieldElemMetadata     protowire.Number = 2
	fieldElemGroup        protowire.Number = 3
	fieldElemGroupMessage protowire.Number = 4
	fieldElemConsent      protowire.Number = 5
	fieldElemEvent        protowire.Number = 6

	fieldMetaElements protowire.Number = 1
	fieldMetaExported protowire.Number = 2
	fieldMetaStart    protowire.Number = 3
	fieldMetaEnd      protowire.Number = 4

	fieldBGID          protowire.Number = 1
	fieldBGCreatedNS   protowire.Number = 2
	fieldBGConvType    protowire.Number = 3
	fieldBGDMID        protowire.Number = 4
	fieldBGAddedByID   protowire.Number = 5

	fieldBMID         protowire.Number = 1
	fieldBMGroupID    protowire.Number = 2
	fieldBMBytes      protowire.Number = 3
	fieldBMSentNS     protowire.Number = 4
	fieldBMKind       protowire.Number = 5
	fieldBMSenderID   protowire.Number = 6
	fieldBMSeqID      protowire.Number = 7
	fieldBMOriginator protowire.Number = 8

	fieldBCEntity     protowire.Number = 1
	fieldBCEntityType protowire.Number = 2
	fieldBCState      protowire.Number = 3
	fieldBCUpdatedNS  protowire.Number = 4

	fieldBETypeField protowire.Number = 1
	fieldBEGroupID   protowire.Number = 2
	fieldBEMessage   protowire.Number = 3
	fieldBETimeNS    protowire.Number = 4
)

func marshalBackupMetadata(m *BackupMetadataV1) []byte {
	var b []byte
	for _, e := range m.Elements {
		b = protowire.AppendTag(b, fieldMetaElements, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e))
	}
	b = protowire.AppendTag(b, fieldMetaExported, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ExportedAtNS))
	if m.HasStartNS {
		b = protowire.AppendTag(b, fieldMetaStart, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.StartNS))
	}
	if m.HasEndNS {
		b = protowire.AppendTag(b, fieldMetaEnd, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.EndNS))
	}
	return b
}

func unmarshalBackupMetadata(data []byte) (*BackupMetadataV1, error) {
	m := &BackupMetadataV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in BackupMetadataV1")
		}
		data = data[n:]
		switch num {
		case fieldMetaElements:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad metadata elements entry")
			}
			m.Elements = append(m.Elements, uint32(x))
			data = data[n:]
		case fieldMetaExported:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad exported_at_ns")
			}
			m.ExportedAtNS = int64(x)
			data = data[n:]
		case fieldMetaStart:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad start_ns")
			}
			m.StartNS, m.HasStartNS = int64(x), true
			data = data[n:]
		case fieldMetaEnd:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad end_ns")
			}
			m.EndNS, m.HasEndNS = int64(x), true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in BackupMetadataV1", num)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func marshalBackupGroup(g *BackupGroupV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBGID, protowire.BytesType)
	b = protowire.AppendBytes(b, g.ID)
	b = protowire.AppendTag(b, fieldBGCreatedNS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.CreatedAtNS))
	b = protowire.AppendTag(b, fieldBGConvType, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(g.ConversationType))
	if g.HasDMID {
		b = protowire.AppendTag(b, fieldBGDMID, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(g.DMID))
	}
	b = protowire.AppendTag(b, fieldBGAddedByID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(g.AddedByInboxID))
	return b
}

func unmarshalBackupGroup(data []byte) (*BackupGroupV1, error) {
	g := &BackupGroupV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in BackupGroupV1")
		}
		data = data[n:]
		switch num {
		case fieldBGID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup group id")
			}
			g.ID = append([]byte(nil), x...)
			data = data[n:]
		case fieldBGCreatedNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup group created_at_ns")
			}
			g.CreatedAtNS = int64(x)
			data = data[n:]
		case fieldBGConvType:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup group conversation_type")
			}
			g.ConversationType = string(x)
			data = data[n:]
		case fieldBGDMID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup group dm_id")
			}
			g.DMID, g.HasDMID = string(x), true
			data = data[n:]
		case fieldBGAddedByID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup group added_by_inbox_id")
			}
			g.AddedByInboxID = string(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in BackupGroupV1", num)
			}
			data = data[n:]
		}
	}
	return g, nil
}

func marshalBackupGroupMessage(m *BackupGroupMessageV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBMID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID)
	b = protowire.AppendTag(b, fieldBMGroupID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.GroupID)
	b = protowire.AppendTag(b, fieldBMBytes, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DecryptedMessageBytes)
	b = protowire.AppendTag(b, fieldBMSentNS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SentAtNS))
	b = protowire.AppendTag(b, fieldBMKind, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(m.Kind))
	b = protowire.AppendTag(b, fieldBMSenderID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(m.SenderInboxID))
	b = protowire.AppendTag(b, fieldBMSeqID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SequenceID)
	b = protowire.AppendTag(b, fieldBMOriginator, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.OriginatorID))
	return b
}

func unmarshalBackupGroupMessage(data []byte) (*BackupGroupMessageV1, error) {
	m := &BackupGroupMessageV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in BackupGroupMessageV1")
		}
		data = data[n:]
		switch num {
		case fieldBMID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message id")
			}
			m.ID = append([]byte(nil), x...)
			data = data[n:]
		case fieldBMGroupID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message group_id")
			}
			m.GroupID = append([]byte(nil), x...)
			data = data[n:]
		case fieldBMBytes:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message bytes")
			}
			m.DecryptedMessageBytes = append([]byte(nil), x...)
			data = data[n:]
		case fieldBMSentNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message sent_at_ns")
			}
			m.SentAtNS = int64(x)
			data = data[n:]
		case fieldBMKind:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message kind")
			}
			m.Kind = string(x)
			data = data[n:]
		case fieldBMSenderID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message sender_inbox_id")
			}
			m.SenderInboxID = string(x)
			data = data[n:]
		case fieldBMSeqID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message sequence_id")
			}
			m.SequenceID = x
			data = data[n:]
		case fieldBMOriginator:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup message originator_id")
			}
			m.OriginatorID = uint32(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in BackupGroupMessageV1", num)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func marshalBackupConsent(c *BackupConsentV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBCEntity, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(c.Entity))
	b = protowire.AppendTag(b, fieldBCEntityType, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(c.EntityType))
	b = protowire.AppendTag(b, fieldBCState, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(c.State))
	b = protowire.AppendTag(b, fieldBCUpdatedNS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.UpdatedAtNS))
	return b
}

func unmarshalBackupConsent(data []byte) (*BackupConsentV1, error) {
	c := &BackupConsentV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in BackupConsentV1")
		}
		data = data[n:]
		switch num {
		case fieldBCEntity:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup consent entity")
			}
			c.Entity = string(x)
			data = data[n:]
		case fieldBCEntityType:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup consent entity_type")
			}
			c.EntityType = string(x)
			data = data[n:]
		case fieldBCState:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup consent state")
			}
			c.State = string(x)
			data = data[n:]
		case fieldBCUpdatedNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup consent updated_at_ns")
			}
			c.UpdatedAtNS = int64(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in BackupConsentV1", num)
			}
			data = data[n:]
		}
	}
	return c, nil
}

func marshalBackupEvent(e *BackupEventV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBETypeField, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(e.Type))
	if len(e.GroupID) > 0 {
		b = protowire.AppendTag(b, fieldBEGroupID, protowire.BytesType)
		b = protowire.AppendBytes(b, e.GroupID)
	}
	b = protowire.AppendTag(b, fieldBEMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(e.Message))
	b = protowire.AppendTag(b, fieldBETimeNS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TimestampNS))
	return b
}

func unmarshalBackupEvent(data []byte) (*BackupEventV1, error) {
	e := &BackupEventV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in BackupEventV1")
		}
		data = data[n:]
		switch num {
		case fieldBETypeField:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup event type")
			}
			e.Type = string(x)
			data = data[n:]
		case fieldBEGroupID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup event group_id")
			}
			e.GroupID = append([]byte(nil), x...)
			data = data[n:]
		case fieldBEMessage:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup event message")
			}
			e.Message = string(x)
			data = data[n:]
		case fieldBETimeNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup event timestamp_ns")
			}
			e.TimestampNS = int64(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in BackupEventV1", num)
			}
			data = data[n:]
		}
	}
	return e, nil
}

// MarshalBackupElement encodes one archive record, without a length
// prefix (archive.go handles length-delimited framing across the
// sequence of elements).
func MarshalBackupElement(e *BackupElementV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldElemKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	switch e.Kind {
	case BackupElementMetadata:
		b = protowire.AppendTag(b, fieldElemMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalBackupMetadata(e.Metadata))
	case BackupElementGroup:
		b = protowire.AppendTag(b, fieldElemGroup, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalBackupGroup(e.Group))
	case BackupElementGroupMessage:
		b = protowire.AppendTag(b, fieldElemGroupMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalBackupGroupMessage(e.GroupMessage))
	case BackupElementConsent:
		b = protowire.AppendTag(b, fieldElemConsent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalBackupConsent(e.Consent))
	case BackupElementEvent:
		b = protowire.AppendTag(b, fieldElemEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalBackupEvent(e.Event))
	}
	return b
}

// UnmarshalBackupElement decodes one archive record.
func UnmarshalBackupElement(data []byte) (*BackupElementV1, error) {
	e := &BackupElementV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in BackupElementV1")
		}
		data = data[n:]
		switch num {
		case fieldElemKind:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup element kind")
			}
			e.Kind = BackupElementKind(x)
			data = data[n:]
		case fieldElemMetadata:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup element metadata")
			}
			m, err := unmarshalBackupMetadata(x)
			if err != nil {
				return nil, err
			}
			e.Metadata = m
			data = data[n:]
		case fieldElemGroup:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup element group")
			}
			g, err := unmarshalBackupGroup(x)
			if err != nil {
				return nil, err
			}
			e.Group = g
			data = data[n:]
		case fieldElemGroupMessage:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup element group message")
			}
			gm, err := unmarshalBackupGroupMessage(x)
			if err != nil {
				return nil, err
			}
			e.GroupMessage = gm
			data = data[n:]
		case fieldElemConsent:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup element consent")
			}
			c, err := unmarshalBackupConsent(x)
			if err != nil {
				return nil, err
			}
			e.Consent = c
			data = data[n:]
		case fieldElemEvent:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad backup element event")
			}
			ev, err := unmarshalBackupEvent(x)
			if err != nil {
				return nil, err
			}
			e.Event = ev
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d in BackupElementV1", num)
			}
			data = data[n:]
		}
	}
	return e, nil
}
