package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/xmtp/mlsengine/pkg/cursor"
	"github.com/xmtp/mlsengine/pkg/envelope"
	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// GroupMessageItem is one value the stream's Items() channel delivers:
// either a decrypted message or a non-fatal error surfaced to the
// consumer. The stream yields Err but does not terminate unless the
// error is fatal.
type GroupMessageItem struct {
	Message *types.StoredGroupMessage
	Err     error
}

// GroupMessageStream subscribes to the replication service for a set
// of groups and yields decrypted StoredGroupMessages.
type GroupMessageStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    replication.Client
	store     storage.Store
	cursors   *cursor.Store
	processor *process.MessageProcessor

	mu       sync.Mutex
	groupIDs map[string][]byte
	seen     *seenSet

	addQueueCh chan []byte
	items      chan GroupMessageItem
	wg         sync.WaitGroup
}

// subscription is one live read-loop over the replication service,
// feeding raw wire bytes from a background goroutine into rawCh so the
// stream's run loop never blocks waiting on it alone — it can also
// react to Add() calls and context cancellation in the same select.
type subscription struct {
	cancel context.CancelFunc
	rawCh  chan []byte
	errCh  chan error
}

// NewGroupMessageStream builds and starts a GroupMessageStream covering
// groupIDs. The seen-cursor set is seeded from storage so a restart
// never replays already-stored messages.
func NewGroupMessageStream(
	ctx context.Context,
	client replication.Client,
	store storage.Store,
	cursors *cursor.Store,
	processor *process.MessageProcessor,
	groupIDs [][]byte,
) (*GroupMessageStream, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &GroupMessageStream{
		ctx:        sctx,
		cancel:     cancel,
		client:     client,
		store:      store,
		cursors:    cursors,
		processor:  processor,
		groupIDs:   make(map[string][]byte, len(groupIDs)),
		seen:       newSeenSet(),
		addQueueCh: make(chan []byte, 32),
		items:      make(chan GroupMessageItem, 16),
	}
	for _, id := range groupIDs {
		if err := s.trackGroupLocked(id); err != nil {
			cancel()
			return nil, err
		}
	}
	metrics.ActiveStreams.WithLabelValues("group_message").Inc()

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Items returns the channel of delivered messages and non-fatal errors.
// It is closed when the stream terminates.
func (s *GroupMessageStream) Items() <-chan GroupMessageItem { return s.items }

// Add enqueues groupID for dynamic subscription. A group already
// tracked is a no-op. The re-subscription happens the next time the
// run loop is idle (Waiting), preserving backpressure.
func (s *GroupMessageStream) Add(groupID []byte) {
	s.mu.Lock()
	if _, tracked := s.groupIDs[string(groupID)]; tracked {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case <-s.ctx.Done():
	default:
		go func() {
			select {
			case s.addQueueCh <- groupID:
			case <-s.ctx.Done():
			}
		}()
	}
}

// Close cancels the stream and waits for its goroutine to exit.
func (s *GroupMessageStream) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *GroupMessageStream) trackGroupLocked(groupID []byte) error {
	s.groupIDs[string(groupID)] = groupID
	stored, err := s.store.ListMessagesSince(groupID, types.Cursor{})
	if err != nil {
		return err
	}
	known := make([]types.Cursor, 0, len(stored))
	for _, m := range stored {
		known = append(known, m.Cursor())
	}
	s.seen.seedGroup(groupID, known)
	return nil
}

func (s *GroupMessageStream) currentGroupIDsAndCursors() ([][]byte, types.TopicCursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([][]byte, 0, len(s.groupIDs))
	topics := make([]types.Topic, 0, len(s.groupIDs))
	for _, id := range s.groupIDs {
		ids = append(ids, id)
		topics = append(topics, types.Topic{Kind: types.TopicKindGroupMessage, Entity: id})
	}
	tc, err := s.cursors.LatestForTopics(topics)
	if err != nil {
		tc = make(types.TopicCursor)
	}
	return ids, tc
}

func (s *GroupMessageStream) startSubscription() *subscription {
	ids, cursors := s.currentGroupIDsAndCursors()
	ctx, cancel := context.WithCancel(s.ctx)
	sub := &subscription{cancel: cancel, rawCh: make(chan []byte), errCh: make(chan error, 1)}

	stream, err := s.client.SubscribeGroupMessages(ctx, ids, cursors)
	if err != nil {
		sub.errCh <- xerrors.Wrap(xerrors.Retryable, err)
		return sub
	}

	go func() {
		defer close(sub.rawCh)
		for {
			raw, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
					select {
					case sub.errCh <- err:
					default:
					}
				}
				return
			}
			select {
			case sub.rawCh <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub
}

// run is the stream's single-owner goroutine: the Waiting/Processing/
// Adding state machine expressed as one select loop.
func (s *GroupMessageStream) run() {
	defer s.wg.Done()
	defer close(s.items)
	defer metrics.ActiveStreams.WithLabelValues("group_message").Dec()

	extractor := envelope.New()
	sub := s.startSubscription()

	for {
		select {
		case <-s.ctx.Done():
			sub.cancel()
			return

		case groupID := <-s.addQueueCh:
			s.mu.Lock()
			_, tracked := s.groupIDs[string(groupID)]
			s.mu.Unlock()
			if tracked {
				continue
			}
			s.mu.Lock()
			err := s.trackGroupLocked(groupID)
			s.mu.Unlock()
			if err != nil {
				s.emit(GroupMessageItem{Err: xerrors.Wrap(xerrors.Retryable, err)})
				continue
			}
			sub.cancel()
			extractor.Reset()
			sub = s.startSubscription()

		case err, ok := <-sub.errCh:
			if !ok {
				continue
			}
			s.emit(GroupMessageItem{Err: err})
			if xerrors.IsFatal(err) {
				sub.cancel()
				return
			}
			sub.cancel()
			sub = s.startSubscription()

		case raw, ok := <-sub.rawCh:
			if !ok {
				// Clean server-side close; resubscribe from the current
				// cursor set rather than terminating.
				sub = s.startSubscription()
				continue
			}
			envs, err := extractor.Extract(raw)
			if err != nil {
				s.emit(GroupMessageItem{Err: xerrors.Wrap(xerrors.NonRetryable, err)})
				continue
			}
			for _, env := range envs {
				if !s.processOne(env) {
					return
				}
			}
		}
	}
}

// processOne drives one envelope through Process-Message and emits its
// result, returning false if the stream must terminate (a fatal error).
func (s *GroupMessageStream) processOne(env types.GroupMessage) bool {
	if s.seen.has(env.GroupID, env.Cursor) {
		log.WithGroup(env.GroupID).Debug().
			Uint64("sequence_id", env.Cursor.SequenceID).
			Msg("seen, skipping")
		return true
	}

	timer := metrics.NewTimer()
	result, err := s.processor.Process(env)
	timer.ObserveDurationVec(metrics.EnvelopeProcessDuration, "group_message")
	if err != nil {
		metrics.EnvelopesProcessedTotal.WithLabelValues("group_message", "error").Inc()
		s.emit(GroupMessageItem{Err: err})
		return !xerrors.IsFatal(err)
	}

	s.seen.mark(env.GroupID, env.Cursor)
	metrics.CursorAdvancedTotal.WithLabelValues(string(types.TopicKindGroupMessage)).Inc()

	if result.Message != nil {
		metrics.EnvelopesProcessedTotal.WithLabelValues("group_message", "delivered").Inc()
		s.emit(GroupMessageItem{Message: result.Message})
	} else {
		metrics.EnvelopesProcessedTotal.WithLabelValues("group_message", "silent").Inc()
	}
	return true
}

func (s *GroupMessageStream) emit(item GroupMessageItem) {
	select {
	case s.items <- item:
	case <-s.ctx.Done():
	}
}
