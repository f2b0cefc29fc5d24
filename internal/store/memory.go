package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/teamhub/realtime-gateway/internal/types"
)

type presenceEntry struct {
	rec       types.PresenceRecord
	expiresAt time.Time
}

type bufferEntry struct {
	score   int64
	seq     int64
	payload []byte
}

type channelBuffer struct {
	entries []bufferEntry
	seq     int64
	evicted int64
}

// MemoryStore is an in-process Store. It backs a gateway running without a
// shared state store: single-instance, reduced-guarantee mode, where pub/sub
// loops back locally and nothing survives a restart. It is also the store used
// by tests.
type MemoryStore struct {
	mu       sync.Mutex
	presence map[string]presenceEntry
	rosters  map[string]map[string]int
	typing   map[string]map[string]int64
	rates    map[string][]int64
	buffers  map[string]*channelBuffer
	subs     map[string]struct{}
	relayed  chan RelayMessage

	// now is swapped out by tests that need to control expiry.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]presenceEntry),
		rosters:  make(map[string]map[string]int),
		typing:   make(map[string]map[string]int64),
		rates:    make(map[string][]int64),
		buffers:  make(map[string]*channelBuffer),
		subs:     make(map[string]struct{}),
		relayed:  make(chan RelayMessage, 256),
		now:      time.Now,
	}
}

func (ms *MemoryStore) Ping(context.Context) error { return nil }

func (ms *MemoryStore) Close() error {
	close(ms.relayed)
	return nil
}

func (ms *MemoryStore) SetPresence(_ context.Context, rec types.PresenceRecord, window time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if cur, ok := ms.presence[rec.UserId]; ok && ms.now().Before(cur.expiresAt) && cur.rec.UpdatedAt > rec.UpdatedAt {
		return false, nil
	}

	ms.presence[rec.UserId] = presenceEntry{
		rec:       rec,
		expiresAt: ms.now().Add(window),
	}

	return true, nil
}

func (ms *MemoryStore) GetPresence(_ context.Context, userId string) (types.PresenceRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.presenceLocked(userId), nil
}

func (ms *MemoryStore) presenceLocked(userId string) types.PresenceRecord {
	entry, ok := ms.presence[userId]
	if !ok || !ms.now().Before(entry.expiresAt) {
		return types.PresenceRecord{UserId: userId, Status: types.StatusOffline}
	}

	return entry.rec
}

func (ms *MemoryStore) GetPresences(_ context.Context, userIds []string) (map[string]types.PresenceStatus, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	statuses := make(map[string]types.PresenceStatus, len(userIds))
	for _, userId := range userIds {
		statuses[userId] = ms.presenceLocked(userId).Status
	}

	return statuses, nil
}

func (ms *MemoryStore) TouchPresence(_ context.Context, userId string, window time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if entry, ok := ms.presence[userId]; ok {
		entry.expiresAt = ms.now().Add(window)
		ms.presence[userId] = entry
	}

	return nil
}

func (ms *MemoryStore) JoinRoster(_ context.Context, channelId, userId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	roster := ms.rosters[channelId]
	if roster == nil {
		roster = make(map[string]int)
		ms.rosters[channelId] = roster
	}
	roster[userId]++

	return nil
}

func (ms *MemoryStore) LeaveRoster(_ context.Context, channelId, userId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	roster := ms.rosters[channelId]
	if roster == nil {
		return nil
	}

	roster[userId]--
	if roster[userId] <= 0 {
		delete(roster, userId)
	}
	if len(roster) == 0 {
		delete(ms.rosters, channelId)
	}

	return nil
}

func (ms *MemoryStore) Roster(_ context.Context, channelId string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	users := make([]string, 0, len(ms.rosters[channelId]))
	for userId := range ms.rosters[channelId] {
		users = append(users, userId)
	}
	sort.Strings(users)

	return users, nil
}

func (ms *MemoryStore) ChannelExists(_ context.Context, channelId string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if len(ms.rosters[channelId]) > 0 {
		return true, nil
	}
	buf := ms.buffers[channelId]

	return buf != nil && (len(buf.entries) > 0 || buf.evicted > 0), nil
}

func (ms *MemoryStore) StartTyping(_ context.Context, channelId, userId string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	typers := ms.typing[channelId]
	if typers == nil {
		typers = make(map[string]int64)
		ms.typing[channelId] = typers
	}
	typers[userId] = ms.now().Add(ttl).UnixMilli()

	return nil
}

func (ms *MemoryStore) StopTyping(_ context.Context, channelId, userId string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	typers := ms.typing[channelId]
	if _, ok := typers[userId]; !ok {
		return false, nil
	}

	delete(typers, userId)
	if len(typers) == 0 {
		delete(ms.typing, channelId)
	}

	return true, nil
}

func (ms *MemoryStore) ActiveTypers(_ context.Context, channelId string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now().UnixMilli()
	var users []string
	for userId, expiresAt := range ms.typing[channelId] {
		if expiresAt > now {
			users = append(users, userId)
		}
	}
	sort.Strings(users)

	return users, nil
}

func (ms *MemoryStore) SweepTyping(context.Context) ([]TypingEntry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now().UnixMilli()
	var expired []TypingEntry
	for channelId, typers := range ms.typing {
		for userId, expiresAt := range typers {
			if expiresAt <= now {
				delete(typers, userId)
				expired = append(expired, TypingEntry{ChannelId: channelId, UserId: userId})
			}
		}
		if len(typers) == 0 {
			delete(ms.typing, channelId)
		}
	}

	return expired, nil
}

func (ms *MemoryStore) AllowRate(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now().UnixMilli()
	cutoff := now - window.Milliseconds()

	kept := ms.rates[key][:0]
	for _, ts := range ms.rates[key] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		ms.rates[key] = kept
		retryAfter := time.Duration(kept[0]+window.Milliseconds()-now) * time.Millisecond
		if retryAfter <= 0 {
			retryAfter = window
		}
		return false, retryAfter, nil
	}

	ms.rates[key] = append(kept, now)

	return true, 0, nil
}

func (ms *MemoryStore) AppendEvent(_ context.Context, ev types.MessageEvent, capacity int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	buf := ms.buffers[ev.ChannelId]
	if buf == nil {
		buf = &channelBuffer{}
		ms.buffers[ev.ChannelId] = buf
	}

	buf.seq++
	buf.entries = append(buf.entries, bufferEntry{
		score:   ev.ServerTimestamp,
		seq:     buf.seq,
		payload: payload,
	})
	sort.SliceStable(buf.entries, func(i, j int) bool {
		if buf.entries[i].score != buf.entries[j].score {
			return buf.entries[i].score < buf.entries[j].score
		}
		return buf.entries[i].seq < buf.entries[j].seq
	})

	if over := len(buf.entries) - capacity; over > 0 {
		buf.entries = append([]bufferEntry(nil), buf.entries[over:]...)
		buf.evicted += int64(over)
	}

	return nil
}

func (ms *MemoryStore) EventsSince(_ context.Context, channelId string, since int64) ([]types.MessageEvent, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	buf := ms.buffers[channelId]
	if buf == nil {
		return nil, false, nil
	}

	events := make([]types.MessageEvent, 0)
	for _, entry := range buf.entries {
		if entry.score <= since {
			continue
		}

		var ev types.MessageEvent
		if err := json.Unmarshal(entry.payload, &ev); err != nil {
			return nil, false, err
		}
		events = append(events, ev)
	}

	gap := false
	if buf.evicted > 0 {
		gap = len(buf.entries) == 0 || since < buf.entries[0].score
	}

	return events, gap, nil
}

// Publish loops payloads back to this instance's relay channel when it is
// subscribed, standing in for a broker with a single participant.
func (ms *MemoryStore) Publish(_ context.Context, channelId string, payload []byte) error {
	ms.mu.Lock()
	_, subscribed := ms.subs[channelId]
	ms.mu.Unlock()

	if !subscribed {
		return nil
	}

	select {
	case ms.relayed <- RelayMessage{ChannelId: channelId, Payload: payload}:
	default:
	}

	return nil
}

func (ms *MemoryStore) Subscribe(channelId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.subs[channelId] = struct{}{}
	return nil
}

func (ms *MemoryStore) Unsubscribe(channelId string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.subs, channelId)
	return nil
}

func (ms *MemoryStore) Relayed() <-chan RelayMessage {
	return ms.relayed
}
