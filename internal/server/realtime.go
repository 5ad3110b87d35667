package server

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	RealtimeEventSitemapChanged = "sitemap-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "sitemap-backend"
	realtimeHeartbeatInterval   = 25 * time.Second
	realtimeStreamBuffer        = 16
)

var (
	realtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitemap_realtime_subscribers",
		Help: "Open change-feed subscriptions",
	})
	realtimeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitemap_realtime_dropped_messages_total",
		Help: "Change messages skipped because a subscriber buffer was full",
	})
)

// RealtimeMessage announces nodes changed below an entry point.
type RealtimeMessage struct {
	EntryPoint string
	EventType  string
	EditorID   string
	NodeIDs    []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans change messages out to the subscribers of an entry point. Slow
// subscribers miss messages rather than block publishers.
type RealtimeDispatcher struct {
	mu     sync.RWMutex
	topics map[string]map[chan RealtimeMessage]struct{}
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{topics: make(map[string]map[chan RealtimeMessage]struct{})}
}

// Subscribe registers for messages of entryPoint. The returned channel is closed once ctx ends
// or cleanup is called, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, entryPoint string) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, realtimeStreamBuffer)
	if entryPoint == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	topic, ok := d.topics[entryPoint]
	if !ok {
		topic = make(map[chan RealtimeMessage]struct{})
		d.topics[entryPoint] = topic
	}
	topic[stream] = struct{}{}
	d.mu.Unlock()
	realtimeSubscribers.Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(entryPoint, stream) })
	}
	stop := context.AfterFunc(ctx, cleanup)
	return stream, func() {
		stop()
		cleanup()
	}
}

// Publish delivers message to the subscribers of its entry point without waiting on any of them.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EntryPoint == "" || message.EventType == "" {
		return
	}
	// sends happen under the read lock so remove cannot close a stream mid-send
	d.mu.RLock()
	defer d.mu.RUnlock()
	for stream := range d.topics[message.EntryPoint] {
		select {
		case stream <- message:
		default:
			realtimeDropped.Inc()
		}
	}
}

// SubscriberCount reports the number of live subscribers of entryPoint.
func (d *RealtimeDispatcher) SubscriberCount(entryPoint string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[entryPoint])
}

func (d *RealtimeDispatcher) remove(entryPoint string, stream chan RealtimeMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	topic := d.topics[entryPoint]
	if _, ok := topic[stream]; !ok {
		return
	}
	delete(topic, stream)
	if len(topic) == 0 {
		delete(d.topics, entryPoint)
	}
	close(stream)
	realtimeSubscribers.Dec()
}
