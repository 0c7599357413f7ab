// SPDX-License-Identifier: AGPL-3.0-or-later
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskd-org/taskd/internal/events"
)

const (
	defaultKeepAliveInterval = 15 * time.Second
	defaultBufferSize        = 1000
	defaultRetention         = 5 * time.Minute
)

// GlobalStream is the stream id carrying every task's events.
const GlobalStream = "global"

// Event represents an SSE payload delivered to subscribers.
type Event struct {
	ID        string
	Event     string
	Data      string
	Timestamp time.Time
}

// Config controls Hub behaviour.
type Config struct {
	KeepAliveInterval time.Duration
	MaxBufferSize     int
	Retention         time.Duration
}

// Hub multiplexes task events to SSE subscribers. Each task has its own
// stream with a bounded replay buffer keyed by event id for Last-Event-ID
// resume.
type Hub struct {
	cfg   Config
	mu    sync.RWMutex
	tasks map[string]*taskStream
	nowFn func() time.Time
}

// Subscription represents an active SSE stream.
type Subscription struct {
	C    <-chan []byte
	stop context.CancelFunc
}

// New creates a Hub with defaults.
func New(cfg Config) *Hub {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = defaultBufferSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Hub{
		cfg:   cfg,
		tasks: make(map[string]*taskStream),
		nowFn: time.Now,
	}
}

// Publish records the event on the task's stream and broadcasts it.
func (h *Hub) Publish(taskID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.nowFn()
	}
	stream := h.getOrCreateStream(taskID)
	stored := stream.add(ev, h.cfg.MaxBufferSize, h.cfg.Retention, h.nowFn())
	stream.broadcast(formatEvent(stored))
}

// Emit implements events.Sink: every task event lands on the task's own
// stream and on the global stream.
func (h *Hub) Emit(ev events.TaskEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	sse := Event{
		Event:     ev.Type,
		Data:      string(data),
		Timestamp: ev.Timestamp,
	}
	if ev.TaskID != "" {
		h.Publish(ev.TaskID, sse)
	}
	h.Publish(GlobalStream, sse)
}

// Subscribe registers a subscriber for a task and replays buffered events
// after the provided lastEventID.
func (h *Hub) Subscribe(ctx context.Context, taskID, lastEventID string) *Subscription {
	stream := h.getOrCreateStream(taskID)
	ch := make(chan []byte, 32)
	subCtx, cancel := context.WithCancel(ctx)
	stream.addSubscriber(subCtx, ch, h.cfg.KeepAliveInterval)
	stream.replay(ch, lastEventID)
	return &Subscription{
		C:    ch,
		stop: cancel,
	}
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
}

func (h *Hub) getOrCreateStream(taskID string) *taskStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.tasks[taskID]
	if !ok {
		stream = newTaskStream()
		h.tasks[taskID] = stream
	}
	return stream
}

type taskStream struct {
	mu          sync.RWMutex
	events      []Event
	subscribers map[*subscriber]struct{}
	seq         int64
}

type subscriber struct {
	ctx        context.Context
	ch         chan<- []byte
	keepAlive  time.Duration
	keepTicker *time.Ticker
}

func newTaskStream() *taskStream {
	return &taskStream{
		events:      make([]Event, 0),
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (ts *taskStream) add(ev Event, maxSize int, retention time.Duration, now time.Time) Event {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%d", ts.seq)
	}
	ts.events = append(ts.events, ev)

	// prune retention
	cutoff := now.Add(-retention)
	idx := 0
	for idx < len(ts.events) && ts.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		ts.events = append([]Event{}, ts.events[idx:]...)
	}

	if len(ts.events) > maxSize {
		ts.events = ts.events[len(ts.events)-maxSize:]
	}
	return ev
}

func (ts *taskStream) addSubscriber(ctx context.Context, ch chan<- []byte, keepAlive time.Duration) {
	sub := &subscriber{
		ctx:       ctx,
		ch:        ch,
		keepAlive: keepAlive,
	}
	ts.mu.Lock()
	ts.subscribers[sub] = struct{}{}
	ts.mu.Unlock()

	go sub.run(func() {
		ts.removeSubscriber(sub)
	})
}

func (ts *taskStream) removeSubscriber(sub *subscriber) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.subscribers, sub)
}

func (ts *taskStream) replay(ch chan<- []byte, lastID string) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if lastID == "" {
		for _, ev := range ts.events {
			ch <- formatEvent(ev)
		}
		return
	}
	start := 0
	for i, ev := range ts.events {
		if ev.ID == lastID {
			start = i + 1
			break
		}
	}
	for _, ev := range ts.events[start:] {
		ch <- formatEvent(ev)
	}
}

func (ts *taskStream) broadcast(payload []byte) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for sub := range ts.subscribers {
		select {
		case sub.ch <- payload:
		default:
			// drop if slow; keep stream responsive
		}
	}
}

func (s *subscriber) run(onClose func()) {
	defer func() {
		if s.keepTicker != nil {
			s.keepTicker.Stop()
		}
		if onClose != nil {
			onClose()
		}
		close(s.ch)
	}()

	if s.keepAlive > 0 {
		s.keepTicker = time.NewTicker(s.keepAlive)
		defer s.keepTicker.Stop()
	}

	if s.keepTicker == nil {
		<-s.ctx.Done()
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.keepTicker.C:
			select {
			case s.ch <- []byte(":keep-alive\n\n"):
			default:
			}
		}
	}
}

func formatEvent(ev Event) []byte {
	var builder strings.Builder
	if ev.ID != "" {
		builder.WriteString("id: ")
		builder.WriteString(ev.ID)
		builder.WriteByte('\n')
	}
	if ev.Event != "" {
		builder.WriteString("event: ")
		builder.WriteString(ev.Event)
		builder.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteByte('\n')
	}
	builder.WriteByte('\n')
	return []byte(builder.String())
}
