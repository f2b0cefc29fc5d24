package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/teamhub/realtime-gateway/internal/config"
	"github.com/teamhub/realtime-gateway/internal/stats"
	"github.com/teamhub/realtime-gateway/internal/store"
	"github.com/teamhub/realtime-gateway/internal/types"
)

const hubQueueSize = 256

type broadcastReq struct {
	channelId string
	event     *ServerEvent
	// relay publishes the event to the shared store so peer instances
	// deliver it to their own local subscribers.
	relay bool
}

// Gateway is the per-instance hub: it owns the membership registry, accepts
// and tears down connections, and fans events out to local subscribers and to
// peer instances through the shared store. All registry mutations go through
// its Run loop, so join/leave/broadcast for a channel are serialized and local
// delivery order matches broadcast order.
type Gateway struct {
	log        *log.Logger
	cfg        *config.Config
	store      store.Store
	stats      stats.StatsProvider
	limiter    *Limiter
	instanceId string
	registry   *Registry

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	registerChan   chan *Client
	deregisterChan chan *Client
	joinChan       chan *ClientEvent
	leaveChan      chan *ClientEvent
	broadcastChan  chan *broadcastReq
	stop           chan struct{}
	done           chan struct{}
}

func NewGateway(logger *log.Logger, cfg *config.Config, st store.Store, sp stats.StatsProvider) (*Gateway, error) {
	instanceId, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}

	g := &Gateway{
		log:            logger,
		cfg:            cfg,
		store:          st,
		stats:          sp,
		limiter:        NewLimiter(st, cfg.RateLimit, cfg.RateWindow, logger),
		instanceId:     instanceId,
		registry:       NewRegistry(),
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		joinChan:       make(chan *ClientEvent, hubQueueSize),
		leaveChan:      make(chan *ClientEvent, hubQueueSize),
		broadcastChan:  make(chan *broadcastReq, hubQueueSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, name := range []string{
		stats.ActiveConnections,
		stats.TotalConnections,
		stats.MessagesBroadcast,
		stats.EventsRelayed,
		stats.EventsDropped,
		stats.RateLimitedRequests,
	} {
		sp.RegisterMetric(name)
	}

	return g, nil
}

func (g *Gateway) InstanceId() string { return g.instanceId }

func (g *Gateway) Limiter() *Limiter { return g.limiter }

func (g *Gateway) Run() {
	sweeper := time.NewTicker(g.cfg.SweepInterval)
	defer sweeper.Stop()

	relayed := g.store.Relayed()

	for {
		select {
		case c := <-g.registerChan:
			g.handleRegister(c)
		case c := <-g.deregisterChan:
			g.handleDeregister(c)
		case ev := <-g.joinChan:
			g.handleJoin(ev)
		case ev := <-g.leaveChan:
			g.handleLeave(ev)
		case req := <-g.broadcastChan:
			g.deliver(req)
		case msg, ok := <-relayed:
			if !ok {
				g.log.Println("relay channel closed")
				relayed = nil
				continue
			}
			g.handleRelay(msg)
		case <-sweeper.C:
			g.handleSweep()
		case <-g.stop:
			g.log.Println("stopping gateway hub")
			g.clientsLock.Lock()
			for c := range g.clients {
				c.stopClient()
			}
			g.clientsLock.Unlock()
			close(g.done)
			return
		}
	}
}

// RegisterClient hands a freshly-authenticated connection to the hub.
func (g *Gateway) RegisterClient(c *Client) {
	g.registerChan <- c
}

func (g *Gateway) ConnectionCount() int {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()

	return len(g.clients)
}

func (g *Gateway) handleRegister(c *Client) {
	g.log.Printf("registering %s session %q for user %q", c.transport, c.id, c.userId)

	g.clientsLock.Lock()
	g.clients[c] = struct{}{}
	g.clientsLock.Unlock()

	g.stats.Incr(stats.ActiveConnections)
	g.stats.Incr(stats.TotalConnections)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// connecting marks the user online; an explicit presence:update can
	// change it afterwards
	if err := g.SetStatus(ctx, c.userId, types.StatusOnline); err != nil {
		g.log.Println("mark online:", err)
	}
}

// handleDeregister is the single cleanup sequence for any disconnect: the
// connection leaves every channel, the shared roster releases its references
// and the user goes offline if this was their last session here. There is no
// partial teardown state.
func (g *Gateway) handleDeregister(c *Client) {
	g.clientsLock.Lock()
	if _, ok := g.clients[c]; !ok {
		g.clientsLock.Unlock()
		return
	}
	delete(g.clients, c)
	lastSession := true
	for other := range g.clients {
		if other.userId == c.userId {
			lastSession = false
			break
		}
	}
	g.clientsLock.Unlock()

	g.log.Printf("removing session %q for user %q", c.id, c.userId)
	g.stats.Decr(stats.ActiveConnections)

	channels, emptied := g.registry.RemoveAll(c)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for _, channelId := range channels {
		if err := g.store.LeaveRoster(ctx, channelId, c.userId); err != nil {
			g.log.Printf("leave roster %q: %v", channelId, err)
		}
	}
	for _, channelId := range emptied {
		if err := g.store.Unsubscribe(channelId); err != nil {
			g.log.Printf("unsubscribe %q: %v", channelId, err)
		}
	}

	if !lastSession {
		return
	}

	rec := types.PresenceRecord{
		UserId:    c.userId,
		Status:    types.StatusOffline,
		UpdatedAt: Now(),
	}
	applied, err := g.store.SetPresence(ctx, rec, g.cfg.PongWait())
	if err != nil {
		g.log.Println("mark offline:", err)
		return
	}
	if !applied {
		return
	}

	for _, channelId := range channels {
		g.deliver(&broadcastReq{
			channelId: channelId,
			event: &ServerEvent{
				BaseEvent: BaseEvent{Timestamp: rec.UpdatedAt},
				Presence:  &PresenceEvent{UserId: c.userId, Status: types.StatusOffline},
			},
			relay: true,
		})
	}
}

func (g *Gateway) handleJoin(ev *ClientEvent) {
	c := ev.client
	channelId := ev.Join.ChannelId

	if !ValidChannelId(channelId) {
		c.queueEvent(ErrInvalidChannel(ev.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	added, firstLocal := g.registry.Join(c, channelId)
	if firstLocal {
		if err := g.store.Subscribe(channelId); err != nil {
			g.log.Printf("subscribe %q: %v", channelId, err)
		}
	}

	if added {
		if err := g.store.JoinRoster(ctx, channelId, c.userId); err != nil {
			g.log.Printf("join roster %q: %v", channelId, err)
		}

		g.deliver(&broadcastReq{
			channelId: channelId,
			event: &ServerEvent{
				BaseEvent: BaseEvent{Timestamp: ev.Timestamp},
				Joined:    &ChannelJoined{ChannelId: channelId, UserId: c.userId},
			},
			relay: true,
		})
	}

	c.queueEvent(NoErrOK(ev.Id, nil))

	// the joining connection always gets a fresh membership snapshot, even
	// when the join was a no-op, so UIs can (re)initialize
	members, counts, err := g.Aggregate(ctx, channelId)
	if err != nil {
		g.log.Printf("membership snapshot for %q: %v", channelId, err)
		c.queueEvent(ErrInternalError(ev.Id))
		return
	}

	c.queueEvent(&ServerEvent{
		BaseEvent: BaseEvent{Timestamp: Now()},
		Members: &ChannelMembers{
			ChannelId: channelId,
			Members:   members,
			Counts:    counts,
		},
	})
}

func (g *Gateway) handleLeave(ev *ClientEvent) {
	c := ev.client
	channelId := ev.Leave.ChannelId

	removed, lastLocal := g.registry.Leave(c, channelId)
	if !removed {
		c.queueEvent(ErrChannelNotFound(ev.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := g.store.LeaveRoster(ctx, channelId, c.userId); err != nil {
		g.log.Printf("leave roster %q: %v", channelId, err)
	}
	if lastLocal {
		if err := g.store.Unsubscribe(channelId); err != nil {
			g.log.Printf("unsubscribe %q: %v", channelId, err)
		}
	}

	c.queueEvent(NoErrOK(ev.Id, nil))
}

// deliver fans an event out to every locally-registered subscriber of the
// channel, in hub order, and optionally publishes it for peer instances.
func (g *Gateway) deliver(req *broadcastReq) {
	for _, c := range g.registry.Members(req.channelId) {
		if c == req.event.SkipClient {
			continue
		}
		c.queueEvent(req.event)
	}
	g.stats.Incr(stats.MessagesBroadcast)

	if !req.relay {
		return
	}

	payload, err := json.Marshal(&relayEnvelope{
		Origin: g.instanceId,
		Event:  req.event,
	})
	if err != nil {
		g.log.Println("marshal relay envelope:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := g.store.Publish(ctx, req.channelId, payload); err != nil {
		// reduced-guarantee mode: local delivery already happened
		g.log.Printf("publish to %q: %v", req.channelId, err)
	}
}

func (g *Gateway) handleRelay(msg store.RelayMessage) {
	var env relayEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		g.log.Println("unmarshal relay envelope:", err)
		return
	}

	// our own copy was delivered locally when it was broadcast
	if env.Origin == g.instanceId || env.Event == nil {
		return
	}

	g.stats.Incr(stats.EventsRelayed)

	for _, c := range g.registry.Members(msg.ChannelId) {
		c.queueEvent(env.Event)
	}
}

// handleSweep clears expired typing indicators. The store hands back only
// entries this instance actually removed, so the final "stopped typing"
// broadcast happens exactly once per expiry no matter how many instances
// sweep.
func (g *Gateway) handleSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	expired, err := g.store.SweepTyping(ctx)
	if err != nil {
		g.log.Println("sweep typing:", err)
		return
	}

	for _, entry := range expired {
		g.deliver(&broadcastReq{
			channelId: entry.ChannelId,
			event: &ServerEvent{
				BaseEvent: BaseEvent{Timestamp: Now()},
				Typing: &TypingEvent{
					ChannelId: entry.ChannelId,
					UserId:    entry.UserId,
					IsTyping:  false,
				},
			},
			relay: true,
		})
	}
}

func (g *Gateway) enqueueBroadcast(req *broadcastReq) bool {
	select {
	case g.broadcastChan <- req:
		return true
	default:
		g.log.Printf("broadcast channel full, dropping event for %q", req.channelId)
		g.stats.Incr(stats.EventsDropped)
		return false
	}
}

// SetStatus applies a presence update last-write-wins and, when it sticks,
// broadcasts the user's public status to every channel the user belongs to on
// this instance; peers deliver the relayed copy to theirs.
func (g *Gateway) SetStatus(ctx context.Context, userId string, status types.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid presence status %q", status)
	}

	rec := types.PresenceRecord{
		UserId:    userId,
		Status:    status,
		UpdatedAt: Now(),
	}

	applied, err := g.store.SetPresence(ctx, rec, g.cfg.PongWait())
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if !applied {
		// lost to a newer write; whoever won broadcast theirs
		return nil
	}

	ev := &ServerEvent{
		BaseEvent: BaseEvent{Timestamp: rec.UpdatedAt},
		Presence: &PresenceEvent{
			UserId: userId,
			Status: status.Public(),
		},
	}

	for _, channelId := range g.registry.UserChannels(userId) {
		g.enqueueBroadcast(&broadcastReq{channelId: channelId, event: ev, relay: true})
	}

	return nil
}

// GetStatus reads the user's current public status. The error path is the
// caller's signal for "unknown", never a stale cached value.
func (g *Gateway) GetStatus(ctx context.Context, userId string) (types.PresenceStatus, error) {
	rec, err := g.store.GetPresence(ctx, userId)
	if err != nil {
		return "", fmt.Errorf("get presence: %w", err)
	}

	return rec.Status.Public(), nil
}

// SetTyping starts or stops the user's typing indicator for the channel. A
// fresh start is broadcast; repeated starts only re-arm the TTL.
func (g *Gateway) SetTyping(ctx context.Context, channelId, userId string, isTyping bool) error {
	if !isTyping {
		removed, err := g.store.StopTyping(ctx, channelId, userId)
		if err != nil {
			return fmt.Errorf("stop typing: %w", err)
		}
		if removed {
			g.broadcastTyping(channelId, userId, false)
		}
		return nil
	}

	active, err := g.store.ActiveTypers(ctx, channelId)
	if err != nil {
		return fmt.Errorf("active typers: %w", err)
	}

	if err := g.store.StartTyping(ctx, channelId, userId, g.cfg.TypingTTL); err != nil {
		return fmt.Errorf("start typing: %w", err)
	}

	if !slices.Contains(active, userId) {
		g.broadcastTyping(channelId, userId, true)
	}

	return nil
}

func (g *Gateway) broadcastTyping(channelId, userId string, isTyping bool) {
	g.enqueueBroadcast(&broadcastReq{
		channelId: channelId,
		event: &ServerEvent{
			BaseEvent: BaseEvent{Timestamp: Now()},
			Typing: &TypingEvent{
				ChannelId: channelId,
				UserId:    userId,
				IsTyping:  isTyping,
			},
		},
		relay: true,
	})
}

// ActiveTypers returns the unexpired typers for a channel.
func (g *Gateway) ActiveTypers(ctx context.Context, channelId string) ([]string, error) {
	return g.store.ActiveTypers(ctx, channelId)
}

// PublishMessage stamps, buffers and fans out a message event. The buffer
// append happens first so a poller can never see an event its streaming peers
// did not.
func (g *Gateway) PublishMessage(ctx context.Context, channelId, userId, content string, mentions []string) (types.MessageEvent, error) {
	ev := types.MessageEvent{
		ChannelId:       channelId,
		UserId:          userId,
		Content:         content,
		Mentions:        mentions,
		ServerTimestamp: Now(),
	}

	if err := g.store.AppendEvent(ctx, ev, g.cfg.BufferCapacity); err != nil {
		return types.MessageEvent{}, fmt.Errorf("buffer message: %w", err)
	}

	g.enqueueBroadcast(&broadcastReq{
		channelId: channelId,
		event: &ServerEvent{
			BaseEvent: BaseEvent{Timestamp: ev.ServerTimestamp},
			Message:   &ev,
		},
		relay: true,
	})

	return ev, nil
}

// Aggregate builds the channel's membership snapshot from the shared roster:
// each member's public status plus counts per status.
func (g *Gateway) Aggregate(ctx context.Context, channelId string) ([]types.Member, map[types.PresenceStatus]int, error) {
	roster, err := g.store.Roster(ctx, channelId)
	if err != nil {
		return nil, nil, fmt.Errorf("roster: %w", err)
	}
	sort.Strings(roster)

	statuses, err := g.store.GetPresences(ctx, roster)
	if err != nil {
		return nil, nil, fmt.Errorf("presences: %w", err)
	}

	members := make([]types.Member, 0, len(roster))
	counts := make(map[types.PresenceStatus]int)
	for _, userId := range roster {
		status := statuses[userId].Public()
		members = append(members, types.Member{UserId: userId, Status: status})
		counts[status]++
	}

	return members, counts, nil
}

func (g *Gateway) touchPresence(userId string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := g.store.TouchPresence(ctx, userId, g.cfg.PongWait()); err != nil {
		g.log.Println("touch presence:", err)
	}
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	g.log.Println("received shutdown signal")
	close(g.stop)

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidChannelId bounds channel ids to a conservative shape so arbitrary
// input never becomes a store key.
func ValidChannelId(channelId string) bool {
	if len(channelId) == 0 || len(channelId) > 64 {
		return false
	}

	for _, r := range channelId {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}

	return true
}
