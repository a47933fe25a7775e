package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Peer is a synthesizer node seen on the bus, this one included.
type Peer struct {
	protocol.VoiceAnnouncement
	LastSeen time.Time
	Healthy  bool
}

// Announcer advertises the local voice on the bus, answers discovery requests
// and tracks which peers are still sending heartbeats.
type Announcer struct {
	cfg   config.NodeConfig
	self  protocol.VoiceAnnouncement
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	registration metric.Registration
}

// New subscribes to peer traffic, announces self and starts the heartbeat.
func New(ctx context.Context, cfg config.NodeConfig, self protocol.VoiceAnnouncement, busClient *bus.Client, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	self.NodeID = cfg.ID
	a := &Announcer{
		cfg:    cfg,
		self:   self,
		log:    log.With(slog.String("component", "announce")),
		bus:    busClient,
		clock:  time.Now,
		peers:  make(map[string]*Peer),
		cancel: cancel,
	}

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := a.subscribe(); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.announce(); err != nil {
		a.log.Warn("failed to announce voice", slog.String("error", err.Error()))
	}

	interval := cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	a.wg.Add(1)
	go a.run(ctx, interval)

	return a, nil
}

func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
	a.subs = nil
	if a.registration != nil {
		if err := a.registration.Unregister(); err != nil {
			a.log.Warn("failed to unregister metrics", slog.String("error", err.Error()))
		}
		a.registration = nil
	}
}

func (a *Announcer) subscribe() error {
	conn := a.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectVoiceAnnounce, a.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	a.subs = append(a.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHeartbeatPrefix+"*", a.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	a.subs = append(a.subs, heartbeatSub)

	discoverSub, err := conn.Subscribe(protocol.SubjectVoiceDiscover, a.handleDiscover)
	if err != nil {
		return fmt.Errorf("subscribe discover: %w", err)
	}
	a.subs = append(a.subs, discoverSub)
	return nil
}

// run publishes heartbeats and marks peers unhealthy after three missed beats.
func (a *Announcer) run(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.bus.PublishJSON(protocol.SubjectHeartbeatPrefix+a.cfg.ID, protocol.Heartbeat{
				NodeID:    a.cfg.ID,
				Timestamp: a.clock().UTC(),
			}); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			a.expire(3 * interval)
		}
	}
}

func (a *Announcer) announcement() protocol.VoiceAnnouncement {
	msg := a.self
	msg.Timestamp = a.clock().UTC()
	return msg
}

func (a *Announcer) announce() error {
	msg := a.announcement()
	if err := a.bus.PublishJSON(protocol.SubjectVoiceAnnounce, msg); err != nil {
		return err
	}
	a.update(msg, msg.Timestamp)
	return nil
}

func (a *Announcer) handleAnnounce(msg *nats.Msg) {
	var ann protocol.VoiceAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		a.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if ann.NodeID == "" {
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = a.clock().UTC()
	}
	a.update(ann, ann.Timestamp)
}

func (a *Announcer) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		a.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = a.clock().UTC()
	}
	a.update(protocol.VoiceAnnouncement{NodeID: hb.NodeID}, hb.Timestamp)
}

// handleDiscover replies with the local announcement so a client can pick a
// node by locale.
func (a *Announcer) handleDiscover(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		a.log.Warn("failed to encode discover reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		a.log.Warn("failed to answer discover", slog.String("error", err.Error()))
	}
}

// update merges what is known about a peer. Heartbeats carry only the id and
// keep the voice details from the last announcement.
func (a *Announcer) update(ann protocol.VoiceAnnouncement, seen time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	peer, ok := a.peers[ann.NodeID]
	if !ok {
		peer = &Peer{VoiceAnnouncement: protocol.VoiceAnnouncement{NodeID: ann.NodeID}}
		a.peers[ann.NodeID] = peer
	}
	if ann.Locale != "" {
		peer.VoiceAnnouncement = ann
	}
	peer.LastSeen = seen
	peer.Healthy = true
}

func (a *Announcer) expire(timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	for _, peer := range a.peers {
		if now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether this node has seen its own announcement.
func (a *Announcer) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	peer, ok := a.peers[a.cfg.ID]
	return ok && peer.Healthy
}

// Peers returns a snapshot of known nodes matching filter. A nil filter
// matches all.
func (a *Announcer) Peers(filter func(Peer) bool) []Peer {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Peer
	for _, peer := range a.peers {
		p := *peer
		if filter == nil || filter(p) {
			out = append(out, p)
		}
	}
	return out
}

func WithLocale(locale string) func(Peer) bool {
	return func(p Peer) bool { return p.Locale == locale }
}

func (a *Announcer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/announce")
	gauge, err := meter.Int64ObservableGauge("loqa.tts.voice_nodes", metric.WithDescription("Synthesizer nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(a.Peers(func(p Peer) bool { return p.Healthy }))))
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	a.registration = reg
	return nil
}

// Discover asks every node on the bus for its voice and collects the replies
// that arrive before ctx ends.
func Discover(ctx context.Context, conn *nats.Conn) ([]protocol.VoiceAnnouncement, error) {
	inbox := nats.NewInbox()
	replies := make(chan *nats.Msg, 16)
	sub, err := conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := conn.PublishRequest(protocol.SubjectVoiceDiscover, inbox, nil); err != nil {
		return nil, fmt.Errorf("publish discover: %w", err)
	}

	var out []protocol.VoiceAnnouncement
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case msg := <-replies:
			var ann protocol.VoiceAnnouncement
			if err := json.Unmarshal(msg.Data, &ann); err != nil {
				continue
			}
			out = append(out, ann)
		}
	}
}
