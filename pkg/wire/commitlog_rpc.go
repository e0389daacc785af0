package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// GroupCommitLogQuery pages one group's remote commit log starting
// strictly after AfterSequenceID.
type GroupCommitLogQuery struct {
	GroupID         []byte
	AfterSequenceID uint64
}

const (
	fieldQueryGroupID protowire.Number = 1
	fieldQueryAfter   protowire.Number = 2

	fieldQueryReqQueries protowire.Number = 1

	fieldQueryRespEntries protowire.Number = 1

	fieldPublishReqEntries protowire.Number = 1
)

func marshalGroupCommitLogQuery(q GroupCommitLogQuery) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldQueryGroupID, protowire.BytesType)
	b = protowire.AppendBytes(b, q.GroupID)
	b = protowire.AppendTag(b, fieldQueryAfter, protowire.VarintType)
	b = protowire.AppendVarint(b, q.AfterSequenceID)
	return b
}

func unmarshalGroupCommitLogQuery(data []byte) (GroupCommitLogQuery, error) {
	var q GroupCommitLogQuery
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return q, fmt.Errorf("wire: bad tag in GroupCommitLogQuery")
		}
		data = data[n:]
		switch num {
		case fieldQueryGroupID:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return q, fmt.Errorf("wire: bad group_id")
			}
			q.GroupID = append([]byte(nil), x...)
			data = data[n:]
		case fieldQueryAfter:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return q, fmt.Errorf("wire: bad after_sequence_id")
			}
			q.AfterSequenceID = x
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return q, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return q, nil
}

// QueryCommitLogRequest asks for every group's remote entries newer
// than its paging cursor.
type QueryCommitLogRequest struct {
	Queries []GroupCommitLogQuery
}

// MarshalQueryCommitLogRequest encodes req.
func MarshalQueryCommitLogRequest(req *QueryCommitLogRequest) []byte {
	var b []byte
	for _, q := range req.Queries {
		body := marshalGroupCommitLogQuery(q)
		b = protowire.AppendTag(b, fieldQueryReqQueries, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

// UnmarshalQueryCommitLogRequest decodes a QueryCommitLogRequest.
func UnmarshalQueryCommitLogRequest(data []byte) (*QueryCommitLogRequest, error) {
	req := &QueryCommitLogRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in QueryCommitLogRequest")
		}
		data = data[n:]
		switch num {
		case fieldQueryReqQueries:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad queries entry")
			}
			q, err := unmarshalGroupCommitLogQuery(x)
			if err != nil {
				return nil, err
			}
			req.Queries = append(req.Queries, q)
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

// QueryCommitLogResponse carries every matching signed entry across
// all requested groups, newest-last within each group.
type QueryCommitLogResponse struct {
	Entries []*SignedCommitLogEntry
}

// MarshalQueryCommitLogResponse encodes resp.
func MarshalQueryCommitLogResponse(resp *QueryCommitLogResponse) []byte {
	var b []byte
	for _, e := range resp.Entries {
		body := MarshalSignedCommitLogEntry(e)
		b = protowire.AppendTag(b, fieldQueryRespEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

// UnmarshalQueryCommitLogResponse decodes a QueryCommitLogResponse.
func UnmarshalQueryCommitLogResponse(data []byte) (*QueryCommitLogResponse, error) {
	resp := &QueryCommitLogResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in QueryCommitLogResponse")
		}
		data = data[n:]
		switch num {
		case fieldQueryRespEntries:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad entries item")
			}
			e, err := UnmarshalSignedCommitLogEntry(x)
			if err != nil {
				return nil, err
			}
			resp.Entries = append(resp.Entries, e)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return resp, nil
}

// PublishCommitLogRequest uploads locally signed entries.
type PublishCommitLogRequest struct {
	Entries []*SignedCommitLogEntry
}

// MarshalPublishCommitLogRequest encodes req.
func MarshalPublishCommitLogRequest(req *PublishCommitLogRequest) []byte {
	var b []byte
	for _, e := range req.Entries {
		body := MarshalSignedCommitLogEntry(e)
		b = protowire.AppendTag(b, fieldPublishReqEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

// UnmarshalPublishCommitLogRequest decodes a PublishCommitLogRequest.
func UnmarshalPublishCommitLogRequest(data []byte) (*PublishCommitLogRequest, error) {
	req := &PublishCommitLogRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad tag in PublishCommitLogRequest")
		}
		data = data[n:]
		switch num {
		case fieldPublishReqEntries:
			x, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad entries item")
			}
			e, err := UnmarshalSignedCommitLogEntry(x)
			if err != nil {
				return nil, err
			}
			req.Entries = append(req.Entries, e)
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
