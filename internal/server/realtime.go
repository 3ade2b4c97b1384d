package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventDoseChanged = "dose-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "pepplanner-backend"
	defaultHeartbeatInterval = 25 * time.Second
	realtimeStreamBuffer     = 16
)

// RealtimeMessage tells a user's open calendars which doses changed.
type RealtimeMessage struct {
	UserID    int64
	EventType string
	DoseIDs   []int64
	Timestamp time.Time
}

// RealtimeDispatcher routes dose change notices to the streams a user has open.
// A full stream buffer drops the notice; clients refetch on the next one.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	streams map[int64]map[uint64]chan RealtimeMessage
	nextID  uint64
	closed  bool
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		streams: make(map[int64]map[uint64]chan RealtimeMessage),
	}
}

// Subscribe opens a stream for userID. The stream is closed when ctx ends, when the
// returned cleanup runs, or when the dispatcher shuts down.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID int64) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, realtimeStreamBuffer)

	d.mu.Lock()
	if userID <= 0 || d.closed {
		d.mu.Unlock()
		close(stream)
		return stream, func() {}
	}
	d.nextID++
	streamID := d.nextID
	if d.streams[userID] == nil {
		d.streams[userID] = make(map[uint64]chan RealtimeMessage)
	}
	d.streams[userID][streamID] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.remove(userID, streamID)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to every open stream of message.UserID without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID <= 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.streams[message.UserID] {
		select {
		case stream <- message:
		default:
		}
	}
}

// Close ends every open stream and rejects later subscriptions.
func (d *RealtimeDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for userID, streams := range d.streams {
		for _, stream := range streams {
			close(stream)
		}
		delete(d.streams, userID)
	}
}

// SubscriberCount reports the number of open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams[userID])
}

func (d *RealtimeDispatcher) remove(userID int64, streamID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.streams[userID]
	stream, ok := streams[streamID]
	if !ok {
		return
	}
	delete(streams, streamID)
	close(stream)
	if len(streams) == 0 {
		delete(d.streams, userID)
	}
}
