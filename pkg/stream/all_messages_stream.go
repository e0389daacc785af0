package stream

import (
	"context"
	"sync"

	"github.com/xmtp/mlsengine/pkg/cursor"
	"github.com/xmtp/mlsengine/pkg/events"
	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/mls"
	"github.com/xmtp/mlsengine/pkg/process"
	"github.com/xmtp/mlsengine/pkg/replication"
	"github.com/xmtp/mlsengine/pkg/storage"
	"github.com/xmtp/mlsengine/pkg/types"
)

// AllMessagesItem is one value AllMessagesStream's Items() channel
// delivers: a decrypted message, or a non-fatal error surfaced from
// either of the composed streams.
type AllMessagesItem struct {
	Message *types.StoredGroupMessage
	Err     error
}

// AllMessagesStream composes a ConversationStream with a
// GroupMessageStream: every group the conversation stream materializes
// is automatically added to the group-message stream, giving the
// caller one channel of messages across every conversation the
// installation belongs to. Messages that land on a sync-purpose group
// are not yielded on Items(); they are republished as
// EventNewSyncGroupMessage on the shared broker instead, so the
// device-sync worker can consume them without the public stream having
// to know about device-sync internals.
type AllMessagesStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       storage.Store
	broker      *events.Broker
	conv        *ConversationStream
	groupStream *GroupMessageStream

	items chan AllMessagesItem
	wg    sync.WaitGroup
}

// NewAllMessagesStream builds and starts an AllMessagesStream for
// installationKey, seeding the composed group-message stream from
// every group already known locally, sync groups included.
func NewAllMessagesStream(
	ctx context.Context,
	client replication.Client,
	store storage.Store,
	cursors *cursor.Store,
	provider mls.Provider,
	processor *process.MessageProcessor,
	broker *events.Broker,
	installationKey []byte,
	filter process.WelcomeFilter,
) (*AllMessagesStream, error) {
	sctx, cancel := context.WithCancel(ctx)

	groups, err := store.ListGroups()
	if err != nil {
		cancel()
		return nil, err
	}
	groupIDs := make([][]byte, 0, len(groups))
	for _, g := range groups {
		groupIDs = append(groupIDs, g.ID)
	}

	groupStream, err := NewGroupMessageStream(sctx, client, store, cursors, processor, groupIDs)
	if err != nil {
		cancel()
		return nil, err
	}

	conv := NewConversationStream(sctx, client, store, cursors, provider, broker, installationKey, filter)

	s := &AllMessagesStream{
		ctx:         sctx,
		cancel:      cancel,
		store:       store,
		broker:      broker,
		conv:        conv,
		groupStream: groupStream,
		items:       make(chan AllMessagesItem, 16),
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Items returns the channel of delivered messages and non-fatal
// errors. It is closed when the stream terminates.
func (s *AllMessagesStream) Items() <-chan AllMessagesItem { return s.items }

// Close cancels both composed streams and waits for this stream's
// merge goroutine to exit.
func (s *AllMessagesStream) Close() {
	s.cancel()
	s.conv.Close()
	s.groupStream.Close()
	s.wg.Wait()
}

func (s *AllMessagesStream) run() {
	defer s.wg.Done()
	defer close(s.items)

	convItems := s.conv.Items()
	msgItems := s.groupStream.Items()

	for {
		if convItems == nil && msgItems == nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return

		case item, ok := <-convItems:
			if !ok {
				convItems = nil
				continue
			}
			if item.Err != nil {
				s.emit(AllMessagesItem{Err: item.Err})
				continue
			}
			if item.Group != nil {
				s.groupStream.Add(item.Group.ID)
			}

		case item, ok := <-msgItems:
			if !ok {
				msgItems = nil
				continue
			}
			if item.Err != nil {
				s.emit(AllMessagesItem{Err: item.Err})
				continue
			}
			if item.Message == nil {
				continue
			}
			s.routeMessage(item.Message)
		}
	}
}

// routeMessage decides whether item.Message belongs on the public
// Items() channel or should instead be republished as a local
// device-sync event, based on the owning group's conversation type.
func (s *AllMessagesStream) routeMessage(msg *types.StoredGroupMessage) {
	group, err := s.store.GetGroup(msg.GroupID)
	if err != nil {
		log.Errorf("all messages stream: look up group for routing", err)
		s.emit(AllMessagesItem{Message: msg})
		return
	}
	if group != nil && group.ConversationType == types.ConversationSync {
		s.broker.Publish(&events.Event{
			Type:    events.EventNewSyncGroupMessage,
			GroupID: msg.GroupID,
			Message: string(msg.ID[:]),
		})
		return
	}
	s.emit(AllMessagesItem{Message: msg})
}

func (s *AllMessagesStream) emit(item AllMessagesItem) {
	select {
	case s.items <- item:
	case <-s.ctx.Done():
	}
}
