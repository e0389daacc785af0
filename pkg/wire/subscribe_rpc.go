package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// TopicCursorEntry is one (topic, cursor) pair in a
// SubscribeGroupMessagesRequest's widened subscription set.
type TopicCursorEntry struct {
	Topic        []byte
	SequenceID   uint64
	OriginatorID uint32
}

const (
	fieldTCETopic        protowire.Number = 1
	fieldTCESequenceID   protowire.Number = 2
	fieldTCEOriginatorID protowire.Number = 3

	fieldSubReqGroupIDs protowire.Number = 1
	fieldSubReqCursors  protowire.Number = 2
)

func marshalTopicCursorEntry(e TopicCursorEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTCETopic, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Topic)
	b = protowire.AppendTag(b, fieldTCESequenceID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.SequenceID)
	b = protowire.AppendTag(b, fieldTCEOriginatorID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.OriginatorID))
	return b
}

func unmarshalTopicCursorEntry(data []byte) (TopicCursorEntry, error) {
	var e TopicCursorEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("wire: bad tag in TopicCursorEntry")
		}
		data = data[n:]
		switch num {
		case fieldTCETopic:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad topic")
			}
			e.Topic = append([]byte(nil), x...)
			data = data[n:]
		case fieldTCESequenceID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad sequence_id")
			}
			e.SequenceID = x
			data = data[n:]
		case fieldTCEOriginatorID:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad originator_id")
			}
			e.OriginatorID = uint32(x)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return e, nil
}

// SubscribeGroupMessagesRequest requests envelopes for a set of
// groups, each starting strictly after its widened cursor.
type SubscribeGroupMessagesRequest struct {
	GroupIDs [][]byte
	Cursors  []TopicCursorEntry
}

// MarshalSubscribeGroupMessagesRequest encodes req.
func MarshalSubscribeGroupMessagesRequest(req *SubscribeGroupMessagesRequest) []byte {
	var b []byte
	for _, id := range req.GroupIDs {
		b = protowire.AppendTag(b, fieldSubReqGroupIDs, protowire.BytesType)
		b = protowire.AppendBytes(b, id)
	}
	for _, c := range req.Cursors {
		body := marshalTopicCursorEntry(c)
		b = protowire.AppendTag(b, fieldSubReqCursors, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

// UnmarshalSubscribeGroupMessagesRequest decodes req.
func UnmarshalSubscribeGroupMessagesRequest(data []byte) (*SubscribeGroupMessagesRequest, error) {
	req := &SubscribeGroupMessagesRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in SubscribeGroupMessagesRequest")
		}
		data = data[n:]
		switch num {
		case fieldSubReqGroupIDs:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad group id entry")
			}
			req.GroupIDs = append(req.GroupIDs, append([]byte(nil), x...))
			data = data[n:]
		case fieldSubReqCursors:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad cursor entry")
			}
			c, err := unmarshalTopicCursorEntry(x)
			if err != nil {
				return nil, err
			}
			req.Cursors = append(req.Cursors, c)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return req, nil
}
