// Package telemetry is the process-wide publish/subscribe hub. Four fixed
// channels carry trader status, position updates, risk alerts and market
// data to any number of subscribers with bounded buffering: a slow
// subscriber loses its oldest events, never the publisher's time.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is one of the four fixed telemetry channels.
type Channel string

const (
	ChannelTraderStatus Channel = "trader-status"
	ChannelPositions    Channel = "positions"
	ChannelRiskAlerts   Channel = "risk-alerts"
	ChannelMarketData   Channel = "market-data"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTraderStatus, ChannelPositions, ChannelRiskAlerts, ChannelMarketData:
		return true
	}
	return false
}

// AllChannels lists every channel, for subscribe-all clients.
func AllChannels() []Channel {
	return []Channel{ChannelTraderStatus, ChannelPositions, ChannelRiskAlerts, ChannelMarketData}
}

// EventType discriminates wire events.
type EventType string

const (
	EventTypeData      EventType = "event"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event is one telemetry message. EntityID keys the snapshot slot for
// stateful channels; Replay marks snapshot events delivered on connect.
type Event struct {
	Type      EventType `json:"type"`
	Channel   Channel   `json:"channel,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Replay    bool      `json:"replay,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	defaultSubscriberBuffer  = 64
	defaultAlertHistory      = 50
	defaultHeartbeatInterval = 15 * time.Second
)

// HubConfig tunes buffering and cadence. Zero values fall back to the
// defaults above.
type HubConfig struct {
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	AlertHistory      int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.AlertHistory <= 0 {
		c.AlertHistory = defaultAlertHistory
	}
	return c
}

// Subscription is one subscriber's handle. Events arrive on Events();
// Done() closes when the hub drops the subscription.
type Subscription struct {
	ID string

	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	channels map[Channel]bool
	closed   bool
}

// Events is the subscriber's delivery stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done closes when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// SetChannels replaces the subscribed channel set. Visible to the next
// dispatch.
func (s *Subscription) SetChannels(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[Channel]bool, len(channels))
	for _, c := range channels {
		if c.Valid() {
			s.channels[c] = true
		}
	}
}

// AddChannels subscribes to additional channels.
func (s *Subscription) AddChannels(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		if c.Valid() {
			s.channels[c] = true
		}
	}
}

// RemoveChannels unsubscribes from the given channels.
func (s *Subscription) RemoveChannels(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		delete(s.channels, c)
	}
}

// Channels returns the current channel set.
func (s *Subscription) Channels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

func (s *Subscription) wants(c Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[c]
}

// offer enqueues an event, dropping the subscriber's oldest buffered event
// when full. Returns false when an event was dropped.
func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	select {
	case s.events <- ev:
		return true
	default:
	}
	// full: evict the oldest and retry once
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// ConnectionInfo is the admin view of one subscription.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Channels    []Channel `json:"channels"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Hub fans events out to subscribers and keeps per-entity snapshots for
// replay. Publishing never blocks.
type Hub struct {
	logger *zap.Logger
	cfg    HubConfig

	mu          sync.RWMutex
	subs        map[string]*Subscription
	connectedAt map[string]time.Time
	snapshots   map[Channel]map[string]Event
	alertRing   []Event

	stopCh  chan struct{}
	stopped sync.Once
}

// NewHub creates a telemetry hub.
func NewHub(logger *zap.Logger, cfg HubConfig) *Hub {
	return &Hub{
		logger:      logger.Named("telemetry"),
		cfg:         cfg.withDefaults(),
		subs:        make(map[string]*Subscription),
		connectedAt: make(map[string]time.Time),
		snapshots: map[Channel]map[string]Event{
			ChannelTraderStatus: {},
			ChannelPositions:    {},
			ChannelMarketData:   {},
		},
		stopCh: make(chan struct{}),
	}
}

// Start launches the heartbeat loop until ctx is cancelled or Stop is
// called.
func (h *Hub) Start(ctx context.Context) {
	go h.heartbeatLoop(ctx)
}

// Stop terminates the heartbeat loop and drops all subscriptions.
func (h *Hub) Stop() {
	h.stopped.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.connectedAt = make(map[string]time.Time)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			hb := Event{Type: EventTypeHeartbeat, Timestamp: time.Now()}
			h.mu.RLock()
			for _, sub := range h.subs {
				sub.offer(hb)
			}
			h.mu.RUnlock()
		}
	}
}

// Subscribe registers a subscriber for the given channels. With replay set,
// all relevant snapshot events are queued with the replay marker before any
// live event can be delivered.
func (h *Hub) Subscribe(channels []Channel, replay bool) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		events:   make(chan Event, h.cfg.SubscriberBuffer),
		done:     make(chan struct{}),
		channels: make(map[Channel]bool),
	}
	sub.SetChannels(channels)

	h.mu.Lock()
	defer h.mu.Unlock()

	if replay {
		for _, ev := range h.replayEvents(sub) {
			sub.offer(ev)
		}
	}
	h.subs[sub.ID] = sub
	h.connectedAt[sub.ID] = time.Now()
	h.logger.Debug("Subscriber registered",
		zap.String("subscriberId", sub.ID),
		zap.Bool("replay", replay))
	return sub
}

// replayEvents collects snapshot events for the subscriber's channels.
// Caller holds h.mu.
func (h *Hub) replayEvents(sub *Subscription) []Event {
	var out []Event
	for _, channel := range []Channel{ChannelTraderStatus, ChannelPositions, ChannelMarketData} {
		if !sub.wants(channel) {
			continue
		}
		for _, ev := range h.snapshots[channel] {
			ev.Replay = true
			out = append(out, ev)
		}
	}
	if sub.wants(ChannelRiskAlerts) {
		for _, ev := range h.alertRing {
			ev.Replay = true
			out = append(out, ev)
		}
	}
	return out
}

// Unsubscribe removes the subscription and closes its Done channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	delete(h.connectedAt, id)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish fans an event out to every subscriber of the channel and updates
// the channel's snapshot state. Never blocks; slow subscribers lose their
// oldest event.
func (h *Hub) Publish(channel Channel, entityID string, payload any) {
	if !channel.Valid() {
		h.logger.Warn("Publish to unknown channel", zap.String("channel", string(channel)))
		return
	}
	ev := Event{
		Type:      EventTypeData,
		Channel:   channel,
		EntityID:  entityID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	h.record(ev)
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if !sub.wants(channel) {
			continue
		}
		if !sub.offer(ev) {
			h.logger.Warn("Subscriber buffer full, dropped oldest event",
				zap.String("subscriberId", sub.ID),
				zap.String("channel", string(channel)))
		}
	}
}

// record updates snapshot state. Caller holds h.mu.
func (h *Hub) record(ev Event) {
	switch ev.Channel {
	case ChannelRiskAlerts:
		h.alertRing = append(h.alertRing, ev)
		if len(h.alertRing) > h.cfg.AlertHistory {
			h.alertRing = h.alertRing[len(h.alertRing)-h.cfg.AlertHistory:]
		}
	default:
		if ev.EntityID != "" {
			h.snapshots[ev.Channel][ev.EntityID] = ev
		}
	}
}

// RemoveSnapshot drops the snapshot slot for an entity. Used when a
// position closes so replay does not resurrect it.
func (h *Hub) RemoveSnapshot(channel Channel, entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slots, ok := h.snapshots[channel]; ok {
		delete(slots, entityID)
	}
}

// Connections lists active subscriptions for the admin surface.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(h.subs))
	for id, sub := range h.subs {
		out = append(out, ConnectionInfo{
			ID:          id,
			Channels:    sub.Channels(),
			ConnectedAt: h.connectedAt[id],
		})
	}
	return out
}

// Disconnect force-removes a subscription with a reason. Returns false when
// the id is unknown.
func (h *Hub) Disconnect(id, reason string) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	delete(h.connectedAt, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.logger.Info("Subscriber disconnected by admin",
		zap.String("subscriberId", id),
		zap.String("reason", reason))
	sub.close()
	return true
}
