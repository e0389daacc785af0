// Package replication is the client side of the external replication
// service: subscribe to welcomes and group envelopes, publish
// envelopes and commit-log entries, resolve inbox ids. One method per
// RPC, each unary one with its own context.WithTimeout, matching the shape of
// the streaming RPC handlers on the other end of the connection.
package replication

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
	"google.golang.org/grpc"
)

// callTimeout bounds every unary RPC this client issues.
const callTimeout = 10 * time.Second

// EnvelopeStream yields raw wire bytes (legacy or federated-batch
// shaped) from a server-streaming subscription. Recv returns io.EOF
// when the server closes the stream cleanly.
type EnvelopeStream interface {
	Recv() ([]byte, error)
	Close() error
}

// Client is the replication service's RPC surface.
type Client interface {
	SubscribeWelcomeMessages(ctx context.Context, installationKey []byte) (EnvelopeStream, error)
	SubscribeGroupMessages(ctx context.Context, groupIDs [][]byte, cursors types.TopicCursor) (EnvelopeStream, error)
	PublishEnvelope(ctx context.Context, env *wire.ClientEnvelope) error
	QueryCommitLog(ctx context.Context, queries []wire.GroupCommitLogQuery) ([]*wire.SignedCommitLogEntry, error)
	PublishCommitLog(ctx context.Context, entries []*wire.SignedCommitLogEntry) error
	GetInboxIDs(ctx context.Context, identifiers []string) (map[string]string, error)
}

// --- gRPC client ------------------------------------------------------

const (
	serviceName                    = "/xmtp.replication.v1.ReplicationApi/"
	methodSubscribeWelcomeMessages = serviceName + "SubscribeWelcomeMessages"
	methodSubscribeGroupMessages   = serviceName + "SubscribeGroupMessages"
	methodPublishEnvelope          = serviceName + "PublishEnvelope"
	methodQueryCommitLog           = serviceName + "QueryCommitLog"
	methodPublishCommitLog         = serviceName + "PublishCommitLog"
	methodGetInboxIDs              = serviceName + "GetInboxIds"
)

// grpcClient is the production Client, a thin wrapper over
// grpc.ClientConn using this package's wire codec (codec.go) so every
// call marshals pre-encoded pkg/wire bytes instead of requiring
// protoc-generated stubs.
type grpcClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient wraps an already-dialed connection (callers are
// expected to have dialed with grpc.WithDefaultCallOptions(
// grpc.CallContentSubtype(codecName)) or to pass it per-call, as done
// below).
func NewGRPCClient(conn *grpc.ClientConn) Client {
	return &grpcClient{conn: conn}
}

func (c *grpcClient) SubscribeWelcomeMessages(ctx context.Context, installationKey []byte) (EnvelopeStream, error) {
	desc := &grpc.StreamDesc{StreamName: "SubscribeWelcomeMessages", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, methodSubscribeWelcomeMessages, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("replication: subscribe welcome messages: %w", err)
	}
	req := rawMessage(installationKey)
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("replication: send welcome subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("replication: close welcome subscribe send: %w", err)
	}
	return &grpcEnvelopeStream{stream: stream}, nil
}

func (c *grpcClient) SubscribeGroupMessages(ctx context.Context, groupIDs [][]byte, cursors types.TopicCursor) (EnvelopeStream, error) {
	desc := &grpc.StreamDesc{StreamName: "SubscribeGroupMessages", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, methodSubscribeGroupMessages, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("replication: subscribe group messages: %w", err)
	}

	wireReq := &wire.SubscribeGroupMessagesRequest{GroupIDs: groupIDs}
	for _, groupID := range groupIDs {
		topic := types.Topic{Kind: types.TopicKindGroupMessage, Entity: groupID}
		cur := cursors.Get(topic)
		wireReq.Cursors = append(wireReq.Cursors, wire.TopicCursorEntry{
			Topic:        groupID,
			SequenceID:   cur.SequenceID,
			OriginatorID: cur.OriginatorID,
		})
	}
	req := rawMessage(wire.MarshalSubscribeGroupMessagesRequest(wireReq))
	if err := stream.SendMsg(&req); err != nil {
		return nil, fmt.Errorf("replication: send group subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("replication: close group subscribe send: %w", err)
	}
	return &grpcEnvelopeStream{stream: stream}, nil
}

func (c *grpcClient) PublishEnvelope(ctx context.Context, env *wire.ClientEnvelope) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := rawMessage(wire.MarshalClientEnvelope(env))
	var resp rawMessage
	if err := c.conn.Invoke(ctx, methodPublishEnvelope, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("replication: publish envelope: %w", err)
	}
	return nil
}

func (c *grpcClient) QueryCommitLog(ctx context.Context, queries []wire.GroupCommitLogQuery) ([]*wire.SignedCommitLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := rawMessage(wire.MarshalQueryCommitLogRequest(&wire.QueryCommitLogRequest{Queries: queries}))
	var resp rawMessage
	if err := c.conn.Invoke(ctx, methodQueryCommitLog, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fmt.Errorf("replication: query commit log: %w", err)
	}
	decoded, err := wire.UnmarshalQueryCommitLogResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("replication: decode query commit log response: %w", err)
	}
	return decoded.Entries, nil
}

func (c *grpcClient) PublishCommitLog(ctx context.Context, entries []*wire.SignedCommitLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := rawMessage(wire.MarshalPublishCommitLogRequest(&wire.PublishCommitLogRequest{Entries: entries}))
	var resp rawMessage
	if err := c.conn.Invoke(ctx, methodPublishCommitLog, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("replication: publish commit log: %w", err)
	}
	return nil
}

func (c *grpcClient) GetInboxIDs(ctx context.Context, identifiers []string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var req rawMessage
	for _, id := range identifiers {
		req = append(req, []byte(id+"\n")...)
	}
	var resp rawMessage
	if err := c.conn.Invoke(ctx, methodGetInboxIDs, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fmt.Errorf("replication: get inbox ids: %w", err)
	}
	return parseInboxIDLines(resp), nil
}

func parseInboxIDLines(data []byte) map[string]string {
	out := make(map[string]string)
	start := 0
	var line []byte
	for i, b := range data {
		if b == '\n' {
			line = data[start:i]
			if idx := indexByte(line, '='); idx >= 0 {
				out[string(line[:idx])] = string(line[idx+1:])
			}
			start = i + 1
		}
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

type grpcEnvelopeStream struct {
	stream grpc.ClientStream
}

func (s *grpcEnvelopeStream) Recv() ([]byte, error) {
	var msg rawMessage
	if err := s.stream.RecvMsg(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return []byte(msg), nil
}

func (s *grpcEnvelopeStream) Close() error {
	return nil
}

// --- in-process fake, for tests and the streaming benchmark ----------

type publishedEnvelope struct {
	raw []byte
}

// memoryClient is an in-process fake replication service. It supports
// exactly the operations the engine's streams, process futures, and
// workers need, with the same per-group ordering guarantees a real
// server would provide.
type memoryClient struct {
	mu     sync.Mutex
	notify chan struct{} // closed and replaced on every publish

	nextGroupSeq map[string]uint64
	groupLog     map[string][]publishedEnvelope

	nextWelcomeSeq uint64
	welcomeLog     []publishedEnvelope

	commitLog map[string][]*wire.SignedCommitLogEntry

	inboxIDs map[string]string
}

// NewMemoryClient creates an empty in-process replication fake.
func NewMemoryClient() *memoryClient {
	return &memoryClient{
		notify:       make(chan struct{}),
		nextGroupSeq: make(map[string]uint64),
		groupLog:     make(map[string][]publishedEnvelope),
		commitLog:    make(map[string][]*wire.SignedCommitLogEntry),
		inboxIDs:     make(map[string]string),
	}
}

// wake closes the current notify channel and replaces it, waking every
// Recv call blocked on it. Callers must hold m.mu.
func (m *memoryClient) wake() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// PublishGroupMessageRaw appends a pre-encoded legacy wire message to
// groupID's log and wakes any blocked subscribers. It assigns the
// cursor itself (legacy-style, originator 0) and returns it.
func (m *memoryClient) PublishGroupMessageRaw(groupID, payload []byte) types.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(groupID)
	seq := m.nextGroupSeq[key] + 1
	m.nextGroupSeq[key] = seq

	raw := wire.MarshalLegacyGroupMessage(&wire.LegacyGroupMessageV1{
		ID:        seq,
		CreatedNS: uint64(time.Now().UnixNano()),
		GroupID:   groupID,
		Data:      payload,
	})
	m.groupLog[key] = append(m.groupLog[key], publishedEnvelope{raw: raw})
	m.wake()
	return types.Cursor{SequenceID: seq, OriginatorID: 0}
}

// PublishWelcomeRaw appends a welcome to installationKey's welcome log
// and wakes any blocked subscribers, returning the assigned cursor.
func (m *memoryClient) PublishWelcomeRaw(installationKey, hpkeCiphertext []byte) types.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextWelcomeSeq++
	seq := m.nextWelcomeSeq

	raw := wire.MarshalWelcomeMessage(&wire.WelcomeMessageV1{
		InstallationKey: installationKey,
		WelcomeID:       seq,
		HPKECiphertext:  hpkeCiphertext,
	})
	m.welcomeLog = append(m.welcomeLog, publishedEnvelope{raw: raw})
	m.wake()
	return types.Cursor{SequenceID: seq, OriginatorID: 0}
}

// SetInboxID registers a deterministic identifier → inbox id mapping
// for GetInboxIDs.
func (m *memoryClient) SetInboxID(identifier, inboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboxIDs[identifier] = inboxID
}

func (m *memoryClient) SubscribeWelcomeMessages(ctx context.Context, installationKey []byte) (EnvelopeStream, error) {
	return &memoryWelcomeStream{client: m, ctx: ctx, pos: 0}, nil
}

func (m *memoryClient) SubscribeGroupMessages(ctx context.Context, groupIDs [][]byte, cursors types.TopicCursor) (EnvelopeStream, error) {
	positions := make(map[string]uint64, len(groupIDs))
	for _, id := range groupIDs {
		topic := types.Topic{Kind: types.TopicKindGroupMessage, Entity: id}
		positions[string(id)] = cursors.Get(topic).SequenceID
	}
	return &memoryGroupStream{client: m, ctx: ctx, positions: positions}, nil
}

func (m *memoryClient) PublishEnvelope(ctx context.Context, env *wire.ClientEnvelope) error {
	m.PublishGroupMessageRaw(env.AAD.TargetTopic, env.Payload)
	return nil
}

func (m *memoryClient) QueryCommitLog(ctx context.Context, queries []wire.GroupCommitLogQuery) ([]*wire.SignedCommitLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*wire.SignedCommitLogEntry
	for _, q := range queries {
		for _, e := range m.commitLog[string(q.GroupID)] {
			if e.Entry.CommitSequenceID > q.AfterSequenceID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (m *memoryClient) PublishCommitLog(ctx context.Context, entries []*wire.SignedCommitLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		key := string(e.Entry.GroupID)
		m.commitLog[key] = append(m.commitLog[key], e)
	}
	return nil
}

func (m *memoryClient) GetInboxIDs(ctx context.Context, identifiers []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(identifiers))
	for _, id := range identifiers {
		if inbox, ok := m.inboxIDs[id]; ok {
			out[id] = inbox
		}
	}
	return out, nil
}

// memoryWelcomeStream is a blocking poll over memoryClient's welcome
// log starting at the beginning (welcome subscriptions always start
// from the installation's persisted welcome cursor via the caller's
// own filtering — this fake always replays everything and lets the
// stream/dedup layer drop what it has already seen, mirroring how the
// real server-side cursor offset works end to end).
type memoryWelcomeStream struct {
	client *memoryClient
	ctx    context.Context
	pos    int
}

func (s *memoryWelcomeStream) Recv() ([]byte, error) {
	c := s.client
	for {
		c.mu.Lock()
		if s.pos < len(c.welcomeLog) {
			raw := c.welcomeLog[s.pos].raw
			s.pos++
			c.mu.Unlock()
			return raw, nil
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
}

func (s *memoryWelcomeStream) Close() error { return nil }

// memoryGroupStream polls every tracked group's log, honoring each
// group's starting cursor. Within a group envelopes come in sequence-id
// order; the order across groups is not fixed.
type memoryGroupStream struct {
	client    *memoryClient
	ctx       context.Context
	positions map[string]uint64 // group key -> last sequence id delivered
}

func (s *memoryGroupStream) Recv() ([]byte, error) {
	c := s.client
	for {
		c.mu.Lock()
		for key, lastSeq := range s.positions {
			log := c.groupLog[key]
			nextIdx := int(lastSeq) // legacy sequence ids are 1-based and dense per group
			if nextIdx < len(log) {
				s.positions[key] = lastSeq + 1
				raw := log[nextIdx].raw
				c.mu.Unlock()
				return raw, nil
			}
		}
		ch := c.notify
		c.mu.Unlock()

		select {
		case <-ch:
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
}

func (s *memoryGroupStream) Close() error { return nil }
