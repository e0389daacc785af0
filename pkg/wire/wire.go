// Package wire hand-encodes and hand-decodes the protobuf-wire-compatible
// messages the engine exchanges with the replication service. The
// authoritative .proto schemas and their generated bindings live in
// another repository; since running protoc is out of scope here, this
// package speaks the same wire format field-by-field using
// google.golang.org/protobuf's low-level protowire primitives, so
// format-sniffing is exercised against real tag/wire-type bytes rather
// than a substitute encoding.
//
// Field numbering below is this package's own, self-consistent
// assignment (there is no generated .pb.go to match against); the
// legacy single-message shape occupies top-level field 1 and the
// federated batch shape occupies top-level field 2, which is what
// Sniff inspects.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Format identifies which of the two supported wire shapes a payload
// uses.
type Format int

const (
	FormatUnknown Format = iota
	FormatLegacy
	FormatFederated
)

const (
	topFieldLegacyV1    protowire.Number = 1
	topFieldFederatedBatch protowire.Number = 2
)

// Sniff inspects the outermost tag of data and reports which shape it
// encodes, without fully decoding the payload. A payload that matches
// neither shape is reported as FormatUnknown so the caller can fail
// with InvalidPayload rather than silently dropping it.
func Sniff(data []byte) Format {
	if len(data) == 0 {
		return FormatUnknown
	}
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || typ != protowire.BytesType {
		return FormatUnknown
	}
	switch num {
	case topFieldLegacyV1:
		return FormatLegacy
	case topFieldFederatedBatch:
		return FormatFederated
	default:
		return FormatUnknown
	}
}

// ---- Legacy single-message shape -----------------------------------

// LegacyGroupMessageV1 is the pre-federation single-message wire shape.
type LegacyGroupMessageV1 struct {
	ID         uint64
	CreatedNS  uint64
	GroupID    []byte
	Data       []byte
	SenderHMAC []byte
	ShouldPush bool
	IsCommit   bool
}

const (
	fieldV1ID         protowire.Number = 1
	fieldV1CreatedNS  protowire.Number = 2
	fieldV1GroupID    protowire.Number = 3
	fieldV1Data       protowire.Number = 4
	fieldV1SenderHMAC protowire.Number = 5
	fieldV1ShouldPush protowire.Number = 6
	fieldV1IsCommit   protowire.Number = 7
)

func marshalLegacyV1(v *LegacyGroupMessageV1) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldV1ID, protowire.VarintType)
	b = protowire.AppendVarint(b, v.ID)
	b = protowire.AppendTag(b, fieldV1CreatedNS, protowire.VarintType)
	b = protowire.AppendVarint(b, v.CreatedNS)
	if len(v.GroupID) > 0 {
		b = protowire.AppendTag(b, fieldV1GroupID, protowire.BytesType)
		b = protowire.AppendBytes(b, v.GroupID)
	}
	if len(v.Data) > 0 {
		b = protowire.AppendTag(b, fieldV1Data, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Data)
	}
	if len(v.SenderHMAC) > 0 {
		b = protowire.AppendTag(b, fieldV1SenderHMAC, protowire.BytesType)
		b = protowire.AppendBytes(b, v.SenderHMAC)
	}
	if v.ShouldPush {
		b = protowire.AppendTag(b, fieldV1ShouldPush, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if v.IsCommit {
		b = protowire.AppendTag(b, fieldV1IsCommit, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func unmarshalLegacyV1(data []byte) (*LegacyGroupMessageV1, error) {
	v := &LegacyGroupMessageV1{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in LegacyGroupMessageV1")
		}
		data = data[n:]
		switch num {
		case fieldV1ID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad id varint")
			}
			v.ID = x
			data = data[n:]
		case fieldV1CreatedNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad created_ns varint")
			}
			v.CreatedNS = x
			data = data[n:]
		case fieldV1GroupID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad group_id bytes")
			}
			v.GroupID = append([]byte(nil), x...)
			data = data[n:]
		case fieldV1Data:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad data bytes")
			}
			v.Data = append([]byte(nil), x...)
			data = data[n:]
		case fieldV1SenderHMAC:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad sender_hmac bytes")
			}
			v.SenderHMAC = append([]byte(nil), x...)
			data = data[n:]
		case fieldV1ShouldPush:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad should_push varint")
			}
			v.ShouldPush = x != 0
			data = data[n:]
		case fieldV1IsCommit:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad is_commit varint")
			}
			v.IsCommit = x != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return v, nil
}

// MarshalLegacyGroupMessage wraps v1 as the top-level legacy message.
func MarshalLegacyGroupMessage(v1 *LegacyGroupMessageV1) []byte {
	inner := marshalLegacyV1(v1)
	var b []byte
	b = protowire.AppendTag(b, topFieldLegacyV1, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// UnmarshalLegacyGroupMessage decodes a top-level legacy message.
func UnmarshalLegacyGroupMessage(data []byte) (*LegacyGroupMessageV1, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != topFieldLegacyV1 || typ != protowire.BytesType {
		return nil, fmt.Errorf("wire: not a legacy group message")
	}
	data = data[n:]
	inner, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, fmt.Errorf("wire: bad legacy message body")
	}
	return unmarshalLegacyV1(inner)
}

// ---- Federated multi-envelope shape ---------------------------------

// ClientEnvelopeAAD carries the topic this envelope targets and an
// optional ordering dependency consumed by the envelope extractor's
// icebox.
type ClientEnvelopeAAD struct {
	TargetTopic []byte
	DependsOnSequenceID   uint64
	DependsOnOriginatorID uint32
	HasDependsOn          bool
}

// ClientEnvelope is the innermost federated layer: the application
// payload plus its addressing metadata.
type ClientEnvelope struct {
	AAD     ClientEnvelopeAAD
	Payload []byte
}

const (
	fieldAADTargetTopic           protowire.Number = 1
	fieldAADDependsOnSequenceID   protowire.Number = 2
	fieldAADDependsOnOriginatorID protowire.Number = 3

	fieldClientEnvelopeAAD     protowire.Number = 1
	fieldClientEnvelopePayload protowire.Number = 2
)

func marshalAAD(a ClientEnvelopeAAD) []byte {
	var b []byte
	if len(a.TargetTopic) > 0 {
		b = protowire.AppendTag(b, fieldAADTargetTopic, protowire.BytesType)
		b = protowire.AppendBytes(b, a.TargetTopic)
	}
	if a.HasDependsOn {
		b = protowire.AppendTag(b, fieldAADDependsOnSequenceID, protowire.VarintType)
		b = protowire.AppendVarint(b, a.DependsOnSequenceID)
		b = protowire.AppendTag(b, fieldAADDependsOnOriginatorID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.DependsOnOriginatorID))
	}
	return b
}

func unmarshalAAD(data []byte) (ClientEnvelopeAAD, error) {
	var a ClientEnvelopeAAD
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, fmt.Errorf("wire: bad tag in AAD")
		}
		data = data[n:]
		switch num {
		case fieldAADTargetTopic:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return a, fmt.Errorf("wire: bad target_topic")
			}
			a.TargetTopic = append([]byte(nil), x...)
			data = data[n:]
		case fieldAADDependsOnSequenceID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, fmt.Errorf("wire: bad depends_on sequence_id")
			}
			a.DependsOnSequenceID = x
			a.HasDependsOn = true
			data = data[n:]
		case fieldAADDependsOnOriginatorID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, fmt.Errorf("wire: bad depends_on originator_id")
			}
			a.DependsOnOriginatorID = uint32(x)
			a.HasDependsOn = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, fmt.Errorf("wire: bad unknown AAD field %d", num)
			}
			data = data[n:]
		}
	}
	return a, nil
}

// MarshalClientEnvelope encodes a ClientEnvelope.
func MarshalClientEnvelope(c *ClientEnvelope) []byte {
	var b []byte
	aad := marshalAAD(c.AAD)
	b = protowire.AppendTag(b, fieldClientEnvelopeAAD, protowire.BytesType)
	b = protowire.AppendBytes(b, aad)
	if len(c.Payload) > 0 {
		b = protowire.AppendTag(b, fieldClientEnvelopePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Payload)
	}
	return b
}

// UnmarshalClientEnvelope decodes a ClientEnvelope.
func UnmarshalClientEnvelope(data []byte) (*ClientEnvelope, error) {
	c := &ClientEnvelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in ClientEnvelope")
		}
		data = data[n:]
		switch num {
		case fieldClientEnvelopeAAD:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad aad bytes")
			}
			aad, err := unmarshalAAD(x)
			if err != nil {
				return nil, err
			}
			c.AAD = aad
			data = data[n:]
		case fieldClientEnvelopePayload:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad payload bytes")
			}
			c.Payload = append([]byte(nil), x...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown ClientEnvelope field %d", num)
			}
			data = data[n:]
		}
	}
	return c, nil
}

// PayerEnvelope wraps a signed ClientEnvelope with the paying
// installation's authorization proof.
type PayerEnvelope struct {
	UnsignedClientEnvelope []byte
	PayerSignature         []byte
}

const (
	fieldPayerUnsignedClient protowire.Number = 1
	fieldPayerSignature      protowire.Number = 2
)

func marshalPayerEnvelope(p *PayerEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPayerUnsignedClient, protowire.BytesType)
	b = protowire.AppendBytes(b, p.UnsignedClientEnvelope)
	if len(p.PayerSignature) > 0 {
		b = protowire.AppendTag(b, fieldPayerSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, p.PayerSignature)
	}
	return b
}

func unmarshalPayerEnvelope(data []byte) (*PayerEnvelope, error) {
	p := &PayerEnvelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in PayerEnvelope")
		}
		data = data[n:]
		switch num {
		case fieldPayerUnsignedClient:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unsigned_client_envelope")
			}
			p.UnsignedClientEnvelope = append([]byte(nil), x...)
			data = data[n:]
		case fieldPayerSignature:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad payer_signature")
			}
			p.PayerSignature = append([]byte(nil), x...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown PayerEnvelope field %d", num)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// UnsignedOriginatorEnvelope is assigned its sequence position by the
// originator node that received the publish.
type UnsignedOriginatorEnvelope struct {
	OriginatorNodeID     uint32
	OriginatorSequenceID uint64
	OriginatorNS         uint64
	PayerEnvelopeBytes   []byte
}

const (
	fieldUnsignedOriginatorNodeID protowire.Number = 1
	fieldUnsignedOriginatorSeqID  protowire.Number = 2
	fieldUnsignedOriginatorNS     protowire.Number = 3
	fieldUnsignedPayerEnvelope    protowire.Number = 4
)

func marshalUnsignedOriginatorEnvelope(u *UnsignedOriginatorEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldUnsignedOriginatorNodeID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.OriginatorNodeID))
	b = protowire.AppendTag(b, fieldUnsignedOriginatorSeqID, protowire.VarintType)
	b = protowire.AppendVarint(b, u.OriginatorSequenceID)
	b = protowire.AppendTag(b, fieldUnsignedOriginatorNS, protowire.VarintType)
	b = protowire.AppendVarint(b, u.OriginatorNS)
	b = protowire.AppendTag(b, fieldUnsignedPayerEnvelope, protowire.BytesType)
	b = protowire.AppendBytes(b, u.PayerEnvelopeBytes)
	return b
}

func unmarshalUnsignedOriginatorEnvelope(data []byte) (*UnsignedOriginatorEnvelope, error) {
	u := &UnsignedOriginatorEnvelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in UnsignedOriginatorEnvelope")
		}
		data = data[n:]
		switch num {
		case fieldUnsignedOriginatorNodeID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad originator_node_id")
			}
			u.OriginatorNodeID = uint32(x)
			data = data[n:]
		case fieldUnsignedOriginatorSeqID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad originator_sequence_id")
			}
			u.OriginatorSequenceID = x
			data = data[n:]
		case fieldUnsignedOriginatorNS:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad originator_ns")
			}
			u.OriginatorNS = x
			data = data[n:]
		case fieldUnsignedPayerEnvelope:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad payer_envelope_bytes")
			}
			u.PayerEnvelopeBytes = append([]byte(nil), x...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown UnsignedOriginatorEnvelope field %d", num)
			}
			data = data[n:]
		}
	}
	return u, nil
}

// OriginatorEnvelope is the outermost federated layer: the signed
// originator assignment plus its proof.
type OriginatorEnvelope struct {
	UnsignedOriginatorEnvelopeBytes []byte
	Proof                           []byte
}

const (
	fieldOriginatorUnsigned protowire.Number = 1
	fieldOriginatorProof    protowire.Number = 2
)

func marshalOriginatorEnvelope(o *OriginatorEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOriginatorUnsigned, protowire.BytesType)
	b = protowire.AppendBytes(b, o.UnsignedOriginatorEnvelopeBytes)
	if len(o.Proof) > 0 {
		b = protowire.AppendTag(b, fieldOriginatorProof, protowire.BytesType)
		b = protowire.AppendBytes(b, o.Proof)
	}
	return b
}

func unmarshalOriginatorEnvelope(data []byte) (*OriginatorEnvelope, error) {
	o := &OriginatorEnvelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in OriginatorEnvelope")
		}
		data = data[n:]
		switch num {
		case fieldOriginatorUnsigned:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unsigned_originator_envelope_bytes")
			}
			o.UnsignedOriginatorEnvelopeBytes = append([]byte(nil), x...)
			data = data[n:]
		case fieldOriginatorProof:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad proof")
			}
			o.Proof = append([]byte(nil), x...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown OriginatorEnvelope field %d", num)
			}
			data = data[n:]
		}
	}
	return o, nil
}

// MarshalFederatedBatch encodes a batch of OriginatorEnvelopes as the
// top-level federated-response shape.
func MarshalFederatedBatch(envelopes []*OriginatorEnvelope) []byte {
	var inner []byte
	for _, e := range envelopes {
		body := marshalOriginatorEnvelope(e)
		inner = protowire.AppendTag(inner, 1, protowire.BytesType)
		inner = protowire.AppendBytes(inner, body)
	}
	var b []byte
	b = protowire.AppendTag(b, topFieldFederatedBatch, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// UnmarshalFederatedBatch decodes a top-level federated-response batch
// into its constituent OriginatorEnvelopes, each still carrying its own
// nested, independently-decodable layers.
func UnmarshalFederatedBatch(data []byte) ([]*OriginatorEnvelope, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != topFieldFederatedBatch || typ != protowire.BytesType {
		return nil, fmt.Errorf("wire: not a federated batch")
	}
	data = data[n:]
	inner, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, fmt.Errorf("wire: bad federated batch body")
	}

	var out []*OriginatorEnvelope
	for len(inner) > 0 {
		fnum, ftyp, fn := protowire.ConsumeTag(inner)
		if fn < 0 || fnum != 1 || ftyp != protowire.BytesType {
			return nil, fmt.Errorf("wire: bad envelopes entry tag")
		}
		inner = inner[fn:]
		body, bn := protowire.ConsumeBytes(inner)
		if bn < 0 {
			return nil, fmt.Errorf("wire: bad envelopes entry body")
		}
		inner = inner[bn:]
		oe, err := unmarshalOriginatorEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, oe)
	}
	return out, nil
}

// DecodeOriginatorEnvelope peels every federated layer of oe down to
// its ClientEnvelope, returning the unsigned originator metadata
// alongside it so the caller can build a normalized GroupMessage.
func DecodeOriginatorEnvelope(oe *OriginatorEnvelope) (*UnsignedOriginatorEnvelope, *ClientEnvelope, error) {
	unsigned, err := unmarshalUnsignedOriginatorEnvelope(oe.UnsignedOriginatorEnvelopeBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: decode unsigned originator envelope: %w", err)
	}
	payer, err := unmarshalPayerEnvelope(unsigned.PayerEnvelopeBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: decode payer envelope: %w", err)
	}
	client, err := UnmarshalClientEnvelope(payer.UnsignedClientEnvelope)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: decode client envelope: %w", err)
	}
	return unsigned, client, nil
}

// EncodeOriginatorEnvelope is the inverse of DecodeOriginatorEnvelope,
// used by tests to build wire bytes from a ClientEnvelope without a
// real server round trip.
func EncodeOriginatorEnvelope(nodeID uint32, seqID uint64, ns uint64, client *ClientEnvelope) *OriginatorEnvelope {
	payer := &PayerEnvelope{UnsignedClientEnvelope: MarshalClientEnvelope(client)}
	unsigned := &UnsignedOriginatorEnvelope{
		OriginatorNodeID:     nodeID,
		OriginatorSequenceID: seqID,
		OriginatorNS:         ns,
		PayerEnvelopeBytes:   marshalPayerEnvelope(payer),
	}
	return &OriginatorEnvelope{UnsignedOriginatorEnvelopeBytes: marshalUnsignedOriginatorEnvelope(unsigned)}
}

// ---- Commit log -------------------------------------------------------

// PlaintextCommitLogEntry is the unsigned commit-log record, encoded
// for signing and for wire transport alongside its signature.
type PlaintextCommitLogEntry struct {
	GroupID                   []byte
	CommitSequenceID          uint64
	LastEpochAuthenticator    []byte
	CommitResult              int32
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
}

const (
	fieldCLEGroupID        protowire.Number = 1
	fieldCLESequenceID     protowire.Number = 2
	fieldCLELastEpochAuth  protowire.Number = 3
	fieldCLEResult         protowire.Number = 4
	fieldCLEAppliedEpoch   protowire.Number = 5
	fieldCLEAppliedAuth    protowire.Number = 6
)

// MarshalCommitLogEntry encodes the canonical bytes that are signed
// and transported for one commit-log entry.
func MarshalCommitLogEntry(e *PlaintextCommitLogEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCLEGroupID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.GroupID)
	b = protowire.AppendTag(b, fieldCLESequenceID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.CommitSequenceID)
	b = protowire.AppendTag(b, fieldCLELastEpochAuth, protowire.BytesType)
	b = protowire.AppendBytes(b, e.LastEpochAuthenticator)
	b = protowire.AppendTag(b, fieldCLEResult, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CommitResult))
	b = protowire.AppendTag(b, fieldCLEAppliedEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, e.AppliedEpochNumber)
	b = protowire.AppendTag(b, fieldCLEAppliedAuth, protowire.BytesType)
	b = protowire.AppendBytes(b, e.AppliedEpochAuthenticator)
	return b
}

// UnmarshalCommitLogEntry decodes a PlaintextCommitLogEntry.
func UnmarshalCommitLogEntry(data []byte) (*PlaintextCommitLogEntry, error) {
	e := &PlaintextCommitLogEntry{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in CommitLogEntry")
		}
		data = data[n:]
		switch num {
		case fieldCLEGroupID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad group_id")
			}
			e.GroupID = append([]byte(nil), x...)
			data = data[n:]
		case fieldCLESequenceID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad commit_sequence_id")
			}
			e.CommitSequenceID = x
			data = data[n:]
		case fieldCLELastEpochAuth:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad last_epoch_authenticator")
			}
			e.LastEpochAuthenticator = append([]byte(nil), x...)
			data = data[n:]
		case fieldCLEResult:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad commit_result")
			}
			e.CommitResult = int32(x)
			data = data[n:]
		case fieldCLEAppliedEpoch:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad applied_epoch_number")
			}
			e.AppliedEpochNumber = x
			data = data[n:]
		case fieldCLEAppliedAuth:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad applied_epoch_authenticator")
			}
			e.AppliedEpochAuthenticator = append([]byte(nil), x...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown CommitLogEntry field %d", num)
			}
			data = data[n:]
		}
	}
	return e, nil
}

// SignedCommitLogEntry wraps a PlaintextCommitLogEntry with its
// signer's public key and the Ed25519 signature over the plaintext's
// canonical encoding.
type SignedCommitLogEntry struct {
	Entry     *PlaintextCommitLogEntry
	PublicKey []byte
	Signature []byte
}

const (
	fieldSignedEntry     protowire.Number = 1
	fieldSignedPublicKey protowire.Number = 2
	fieldSignedSignature protowire.Number = 3
)

// MarshalSignedCommitLogEntry encodes a SignedCommitLogEntry.
func MarshalSignedCommitLogEntry(s *SignedCommitLogEntry) []byte {
	var b []byte
	entry := MarshalCommitLogEntry(s.Entry)
	b = protowire.AppendTag(b, fieldSignedEntry, protowire.BytesType)
	b = protowire.AppendBytes(b, entry)
	b = protowire.AppendTag(b, fieldSignedPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, s.PublicKey)
	b = protowire.AppendTag(b, fieldSignedSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Signature)
	return b
}

// UnmarshalSignedCommitLogEntry decodes a SignedCommitLogEntry.
func UnmarshalSignedCommitLogEntry(data []byte) (*SignedCommitLogEntry, error) {
	s := &SignedCommitLogEntry{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in SignedCommitLogEntry")
		}
		data = data[n:]
		switch num {
		case fieldSignedEntry:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad entry bytes")
			}
			entry, err := UnmarshalCommitLogEntry(x)
			if err != nil {
				return nil, err
			}
			s.Entry = entry
			data = data[n:]
		case fieldSignedPublicKey:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad public_key")
			}
			s.PublicKey = append([]byte(nil), x...)
			data = data[n:]
		case fieldSignedSignature:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad signature")
			}
			s.Signature = append([]byte(nil), x...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown SignedCommitLogEntry field %d", num)
			}
			data = data[n:]
		}
	}
	return s, nil
}
