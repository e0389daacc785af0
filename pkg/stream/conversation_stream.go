package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/xmtp/mlsengine/pkg/cursor"
	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
	"github.com/xmtp/mlsengine/pkg/wire"
	"github.com/xmtp/mlsengine/pkg/xerrors"
)

// ConversationItem is one value the stream's Items() channel delivers:
// a newly materialized (or re-surfaced) group, or a non-fatal error.
type ConversationItem struct {
	Group *types.Group
	Err   error
}

// ConversationStream merges an installation's remote welcome
// subscription with locally published group-creation events, runs each
// through the welcome future, and yields groups that pass the
// configured filters.
type ConversationStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	client          replication.Client
	store           storage.Store
	cursors         *cursor.Store
	processor       *process.WelcomeProcessor
	broker          *events.Broker
	installationKey []byte
	filter          process.WelcomeFilter

	knownWelcomeIDs map[types.Cursor]bool
	items           chan ConversationItem
	wg              sync.WaitGroup
}

// NewConversationStream builds and starts a ConversationStream for
// installationKey.
func NewConversationStream(
	ctx context.Context,
	client replication.Client,
	store storage.Store,
	cursors *cursor.Store,
	provider mls.Provider,
	broker *events.Broker,
	installationKey []byte,
	filter process.WelcomeFilter,
) *ConversationStream {
	sctx, cancel := context.WithCancel(ctx)
	s := &ConversationStream{
		ctx:             sctx,
		cancel:          cancel,
		client:          client,
		store:           store,
		cursors:         cursors,
		processor:       process.NewWelcomeProcessor(store, provider),
		broker:          broker,
		installationKey: installationKey,
		filter:          filter,
		knownWelcomeIDs: make(map[types.Cursor]bool),
		items:           make(chan ConversationItem, 16),
	}
	metrics.ActiveStreams.WithLabelValues("conversation").Inc()

	s.wg.Add(1)
	go s.run()
	return s
}

// Items returns the channel of delivered groups and non-fatal errors.
// It is closed when the stream terminates.
func (s *ConversationStream) Items() <-chan ConversationItem { return s.items }

// Close cancels the stream and waits for its goroutine to exit.
func (s *ConversationStream) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *ConversationStream) startSubscription() *subscription {
	topic := types.Topic{Kind: types.TopicKindWelcome, Entity: s.installationKey}
	at, err := s.cursors.LatestForTopic(topic)
	_ = at // the welcome RPC contract takes no cursor today; recorded for parity with group streams and future server support.
	if err != nil {
		log.Errorf("conversation stream: read welcome cursor", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sub := &subscription{cancel: cancel, rawCh: make(chan []byte), errCh: make(chan error, 1)}

	stream, err := s.client.SubscribeWelcomeMessages(ctx, s.installationKey)
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

// run is the stream's single-owner goroutine: it interleaves the
// remote welcome subscription with locally published NewGroup events,
// draining both through the same idempotent welcome future.
func (s *ConversationStream) run() {
	defer s.wg.Done()
	defer close(s.items)
	defer metrics.ActiveStreams.WithLabelValues("conversation").Dec()

	sub := s.startSubscription()
	localEvents := s.broker.Subscribe()
	defer s.broker.Unsubscribe(localEvents)

	for {
		select {
		case <-s.ctx.Done():
			sub.cancel()
			metrics.StreamClosedTotal.WithLabelValues("conversation", "context_done").Inc()
			return

		case err, ok := <-sub.errCh:
			if !ok {
				continue
			}
			s.emit(ConversationItem{Err: err})
			if xerrors.IsFatal(err) {
				sub.cancel()
				metrics.StreamClosedTotal.WithLabelValues("conversation", "fatal_error").Inc()
				return
			}
			sub.cancel()
			sub = s.startSubscription()

		case raw, ok := <-sub.rawCh:
			if !ok {
				sub = s.startSubscription()
				continue
			}
			w, err := s.decodeWelcome(raw)
			if err != nil {
				s.emit(ConversationItem{Err: xerrors.Wrap(xerrors.NonRetryable, err)})
				continue
			}
			s.handle(process.WelcomeOrGroup{Welcome: w})

		case event, ok := <-localEvents:
			if !ok {
				return
			}
			if event.Type == events.EventLagged {
				log.Warn("conversation stream: local event broker lagged, group-creation events may have been dropped")
				continue
			}
			if event.Type != events.EventNewGroup {
				continue
			}
			s.handle(process.WelcomeOrGroup{GroupID: event.GroupID})
		}
	}
}

func (s *ConversationStream) decodeWelcome(raw []byte) (*types.WelcomeMessage, error) {
	w, err := wire.UnmarshalWelcomeMessage(raw)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(w.Metadata))
	for _, e := range w.Metadata {
		meta[e.Key] = e.Value
	}
	return &types.WelcomeMessage{
		InstallationKey:  w.InstallationKey,
		Cursor:           types.Cursor{SequenceID: w.WelcomeID, OriginatorID: 0},
		HPKECiphertext:   w.HPKECiphertext,
		WrapperAlgorithm: wrapperAlgorithmName(w.WrapperAlgorithm),
		WelcomeMetadata:  meta,
	}, nil
}

func wrapperAlgorithmName(n uint32) string {
	switch n {
	case 1:
		return "curve25519"
	default:
		return "unspecified"
	}
}

func (s *ConversationStream) handle(input process.WelcomeOrGroup) {
	result, err := s.processor.Process(s.knownWelcomeIDs, input, s.filter)
	if err != nil {
		s.emit(ConversationItem{Err: err})
		return
	}

	switch result.Kind {
	case process.ResultNewStored:
		s.broker.Publish(&events.Event{Type: events.EventGroupMaterialized, GroupID: result.Group.ID})
		s.emit(ConversationItem{Group: result.Group})

	case process.ResultNew:
		s.knownWelcomeIDs[result.ID] = true
		if err := s.advanceWelcomeCursor(result.ID); err != nil {
			log.Errorf("conversation stream: advance welcome cursor", err)
		}
		s.broker.Publish(&events.Event{Type: events.EventGroupMaterialized, GroupID: result.Group.ID})
		s.emit(ConversationItem{Group: result.Group})

	case process.ResultIgnoreID:
		s.knownWelcomeIDs[result.ID] = true
		if result.ID.SequenceID != 0 {
			if err := s.advanceWelcomeCursor(result.ID); err != nil {
				log.Errorf("conversation stream: advance welcome cursor", err)
			}
		}

	case process.ResultIgnore:
		// Materialized but filtered out; the group row is itself the
		// durable record, nothing further to remember.
	}
}

func (s *ConversationStream) advanceWelcomeCursor(c types.Cursor) error {
	topic := types.Topic{Kind: types.TopicKindWelcome, Entity: s.installationKey}
	return s.store.Transact(func(tx storage.Tx) error {
		return cursor.Advance(tx, topic, c)
	})
}

func (s *ConversationStream) emit(item ConversationItem) {
	select {
	case s.items <- item:
	case <-s.ctx.Done():
	}
}
