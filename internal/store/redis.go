package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/teamhub/realtime-gateway/internal/types"
)

const (
	presenceKeyPrefix = "gw:presence:"
	rosterKeyPrefix   = "gw:roster:"
	typingKeyPrefix   = "gw:typing:"
	typingChannelsKey = "gw:typing-channels"
	rateKeyPrefix     = "gw:rate:"
	bufferKeyPrefix   = "gw:buf:"
	relayKeyPrefix    = "gw:chan:"
)

func presenceKey(userId string) string    { return presenceKeyPrefix + userId }
func rosterKey(channelId string) string   { return rosterKeyPrefix + channelId }
func typingKey(channelId string) string   { return typingKeyPrefix + channelId }
func rateKey(key string) string           { return rateKeyPrefix + key }
func bufferKey(channelId string) string   { return bufferKeyPrefix + channelId }
func bufferSeqKey(channelId string) string {
	return bufferKeyPrefix + channelId + ":seq"
}
func bufferEvictedKey(channelId string) string {
	return bufferKeyPrefix + channelId + ":evicted"
}
func relayTopic(channelId string) string { return relayKeyPrefix + channelId }

// setPresenceScript applies a presence record only if it is not older than the
// stored one (last-write-wins by updated_at), then re-arms the heartbeat TTL.
var setPresenceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// allowRateScript trims entries older than the window, then admits the request
// only if the remaining count is under the limit. Read and increment are a
// single atomic step so the limit holds across instances.
var allowRateScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return {0, oldest[2]}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, '0'}
`)

// appendEventScript appends a buffer entry and trims to capacity, counting
// evictions so pollers can detect gaps.
var appendEventScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], ARGV[1], seq .. '|' .. ARGV[2])
local removed = redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(tonumber(ARGV[3]) + 1))
if removed > 0 then
	redis.call('INCRBY', KEYS[3], removed)
end
return removed
`)

// RedisStore implements Store on a Redis server, the shared state store for a
// fleet of gateway instances.
type RedisStore struct {
	client  *redis.Client
	ps      *redis.PubSub
	relayed chan RelayMessage
	log     *log.Logger
}

func NewRedisStore(addr string, logger *log.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	rs := &RedisStore{
		client:  client,
		ps:      client.Subscribe(context.Background()),
		relayed: make(chan RelayMessage, 256),
		log:     logger,
	}

	go rs.readRelay()

	return rs, nil
}

func (rs *RedisStore) readRelay() {
	for msg := range rs.ps.Channel() {
		rm := RelayMessage{
			ChannelId: strings.TrimPrefix(msg.Channel, relayKeyPrefix),
			Payload:   []byte(msg.Payload),
		}

		select {
		case rs.relayed <- rm:
		default:
			rs.log.Printf("relay channel full, dropping event for %q", rm.ChannelId)
		}
	}

	close(rs.relayed)
}

func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func (rs *RedisStore) Close() error {
	if err := rs.ps.Close(); err != nil {
		rs.log.Println("close pubsub:", err)
	}
	return rs.client.Close()
}

func (rs *RedisStore) SetPresence(ctx context.Context, rec types.PresenceRecord, window time.Duration) (bool, error) {
	applied, err := setPresenceScript.Run(ctx, rs.client,
		[]string{presenceKey(rec.UserId)},
		string(rec.Status), rec.UpdatedAt, window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("set presence: %w", err)
	}

	return applied == 1, nil
}

func (rs *RedisStore) GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error) {
	fields, err := rs.client.HGetAll(ctx, presenceKey(userId)).Result()
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("get presence: %w", err)
	}

	rec := types.PresenceRecord{
		UserId: userId,
		Status: types.StatusOffline,
	}

	if status, ok := fields["status"]; ok {
		rec.Status = types.PresenceStatus(status)
		rec.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	}

	return rec, nil
}

func (rs *RedisStore) GetPresences(ctx context.Context, userIds []string) (map[string]types.PresenceStatus, error) {
	cmds := make([]*redis.MapStringStringCmd, len(userIds))
	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, userId := range userIds {
			cmds[i] = pipe.HGetAll(ctx, presenceKey(userId))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get presences: %w", err)
	}

	statuses := make(map[string]types.PresenceStatus, len(userIds))
	for i, userId := range userIds {
		statuses[userId] = types.StatusOffline
		if status, ok := cmds[i].Val()["status"]; ok {
			statuses[userId] = types.PresenceStatus(status)
		}
	}

	return statuses, nil
}

func (rs *RedisStore) TouchPresence(ctx context.Context, userId string, window time.Duration) error {
	return rs.client.PExpire(ctx, presenceKey(userId), window).Err()
}

func (rs *RedisStore) JoinRoster(ctx context.Context, channelId, userId string) error {
	return rs.client.ZIncrBy(ctx, rosterKey(channelId), 1, userId).Err()
}

func (rs *RedisStore) LeaveRoster(ctx context.Context, channelId, userId string) error {
	key := rosterKey(channelId)
	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZIncrBy(ctx, key, -1, userId)
		pipe.ZRemRangeByScore(ctx, key, "-inf", "0")
		return nil
	})
	return err
}

func (rs *RedisStore) Roster(ctx context.Context, channelId string) ([]string, error) {
	users, err := rs.client.ZRangeByScore(ctx, rosterKey(channelId), &redis.ZRangeBy{
		Min: "(0",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}

	return users, nil
}

func (rs *RedisStore) ChannelExists(ctx context.Context, channelId string) (bool, error) {
	n, err := rs.client.Exists(ctx, rosterKey(channelId), bufferKey(channelId)).Result()
	if err != nil {
		return false, fmt.Errorf("channel exists: %w", err)
	}

	return n > 0, nil
}

func (rs *RedisStore) StartTyping(ctx context.Context, channelId, userId string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UnixMilli()
	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, typingKey(channelId), redis.Z{Score: float64(expiresAt), Member: userId})
		pipe.SAdd(ctx, typingChannelsKey, channelId)
		return nil
	})
	return err
}

func (rs *RedisStore) StopTyping(ctx context.Context, channelId, userId string) (bool, error) {
	removed, err := rs.client.ZRem(ctx, typingKey(channelId), userId).Result()
	if err != nil {
		return false, fmt.Errorf("stop typing: %w", err)
	}

	return removed > 0, nil
}

func (rs *RedisStore) ActiveTypers(ctx context.Context, channelId string) ([]string, error) {
	// Expired entries are only filtered here; SweepTyping removes them so the
	// stop broadcast still happens exactly once.
	users, err := rs.client.ZRangeByScore(ctx, typingKey(channelId), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("active typers: %w", err)
	}

	return users, nil
}

func (rs *RedisStore) SweepTyping(ctx context.Context) ([]TypingEntry, error) {
	channels, err := rs.client.SMembers(ctx, typingChannelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("sweep typing: %w", err)
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var expired []TypingEntry
	for _, channelId := range channels {
		key := typingKey(channelId)
		users, err := rs.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			return expired, fmt.Errorf("sweep typing %q: %w", channelId, err)
		}

		for _, userId := range users {
			// ZREM is the claim: a peer instance sweeping concurrently gets
			// zero back and skips the broadcast.
			removed, err := rs.client.ZRem(ctx, key, userId).Result()
			if err != nil {
				return expired, fmt.Errorf("sweep typing %q: %w", channelId, err)
			}
			if removed > 0 {
				expired = append(expired, TypingEntry{ChannelId: channelId, UserId: userId})
			}
		}

		count, err := rs.client.ZCard(ctx, key).Result()
		if err == nil && count == 0 {
			rs.client.SRem(ctx, typingChannelsKey, channelId)
		}
	}

	return expired, nil
}

func (rs *RedisStore) AllowRate(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%d", now, time.Now().UnixNano())

	res, err := allowRateScript.Run(ctx, rs.client,
		[]string{rateKey(key)},
		now-window.Milliseconds(), limit, now, member, window.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("allow rate: %w", err)
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}

	var retryAfter time.Duration
	if oldest, ok := res[1].(string); ok {
		if ts, err := strconv.ParseFloat(oldest, 64); err == nil {
			retryAfter = time.Duration(int64(ts)+window.Milliseconds()-now) * time.Millisecond
		}
	}
	if retryAfter <= 0 {
		retryAfter = window
	}

	return false, retryAfter, nil
}

func (rs *RedisStore) AppendEvent(ctx context.Context, ev types.MessageEvent, capacity int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = appendEventScript.Run(ctx, rs.client,
		[]string{bufferKey(ev.ChannelId), bufferSeqKey(ev.ChannelId), bufferEvictedKey(ev.ChannelId)},
		ev.ServerTimestamp, string(payload), capacity,
	).Err()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

func (rs *RedisStore) EventsSince(ctx context.Context, channelId string, since int64) ([]types.MessageEvent, bool, error) {
	key := bufferKey(channelId)

	entries, err := rs.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("events since: %w", err)
	}

	events := make([]types.MessageEvent, 0, len(entries))
	for _, entry := range entries {
		member, _ := entry.Member.(string)
		_, payload, found := strings.Cut(member, "|")
		if !found {
			continue
		}

		var ev types.MessageEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			rs.log.Printf("skipping malformed buffer entry in %q: %v", channelId, err)
			continue
		}
		events = append(events, ev)
	}

	gap, err := rs.bufferGap(ctx, channelId, since)
	if err != nil {
		return events, false, err
	}

	return events, gap, nil
}

// bufferGap reports whether eviction may have dropped events newer than since:
// the caller's cursor predates the oldest retained entry and at least one
// entry has been evicted.
func (rs *RedisStore) bufferGap(ctx context.Context, channelId string, since int64) (bool, error) {
	evicted, err := rs.client.Get(ctx, bufferEvictedKey(channelId)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("buffer gap: %w", err)
	}
	if evicted == 0 {
		return false, nil
	}

	oldest, err := rs.client.ZRangeWithScores(ctx, bufferKey(channelId), 0, 0).Result()
	if err != nil {
		return false, fmt.Errorf("buffer gap: %w", err)
	}
	if len(oldest) == 0 {
		return true, nil
	}

	return since < int64(oldest[0].Score), nil
}

func (rs *RedisStore) Publish(ctx context.Context, channelId string, payload []byte) error {
	return rs.client.Publish(ctx, relayTopic(channelId), payload).Err()
}

func (rs *RedisStore) Subscribe(channelId string) error {
	return rs.ps.Subscribe(context.Background(), relayTopic(channelId))
}

func (rs *RedisStore) Unsubscribe(channelId string) error {
	return rs.ps.Unsubscribe(context.Background(), relayTopic(channelId))
}

func (rs *RedisStore) Relayed() <-chan RelayMessage {
	return rs.relayed
}
