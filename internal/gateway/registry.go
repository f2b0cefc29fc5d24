package gateway

import "sync"

// Registry tracks which live connections belong to which channels on this
// instance. It is a local cache of "who is connected here", never replicated;
// the shared roster in the store is what peers see.
//
// Both indexes are mutated under one lock so readers never observe a
// connection in a channel's member set without the channel in the
// connection's joined set, or the reverse.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	clients  map[*Client]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[*Client]struct{}),
		clients:  make(map[*Client]map[string]struct{}),
	}
}

// Join adds the pairing to both indexes. It reports whether the pairing was
// new, and whether the channel had no local members before this call (the
// caller then subscribes to the channel's relay topic).
func (r *Registry) Join(c *Client, channelId string) (added, firstLocal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.channels[channelId]
	if members == nil {
		members = make(map[*Client]struct{})
		r.channels[channelId] = members
		firstLocal = true
	}

	if _, ok := members[c]; ok {
		return false, false
	}
	members[c] = struct{}{}

	joined := r.clients[c]
	if joined == nil {
		joined = make(map[string]struct{})
		r.clients[c] = joined
	}
	joined[channelId] = struct{}{}

	return true, firstLocal
}

// Leave removes the pairing from both indexes. It reports whether the pairing
// existed, and whether the channel now has no local members (the caller then
// unsubscribes from the relay topic).
func (r *Registry) Leave(c *Client, channelId string) (removed, lastLocal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(c, channelId)
}

func (r *Registry) leaveLocked(c *Client, channelId string) (removed, lastLocal bool) {
	members := r.channels[channelId]
	if _, ok := members[c]; !ok {
		return false, false
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.channels, channelId)
		lastLocal = true
	}

	joined := r.clients[c]
	delete(joined, channelId)
	if len(joined) == 0 {
		delete(r.clients, c)
	}

	return true, lastLocal
}

// RemoveAll removes the connection from every channel in one step, so
// teardown never leaves a half-updated state. It returns the channels the
// connection was in, and those that are now empty of local members.
func (r *Registry) RemoveAll(c *Client) (channels, emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for channelId := range r.clients[c] {
		channels = append(channels, channelId)
		if _, lastLocal := r.leaveLocked(c, channelId); lastLocal {
			emptied = append(emptied, channelId)
		}
	}

	return channels, emptied
}

func (r *Registry) Members(channelId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.channels[channelId]))
	for c := range r.channels[channelId] {
		members = append(members, c)
	}

	return members
}

func (r *Registry) MemberCount(channelId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels[channelId])
}

func (r *Registry) Channels(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.clients[c]))
	for channelId := range r.clients[c] {
		channels = append(channels, channelId)
	}

	return channels
}

// UserChannels returns every channel any of the user's connections on this
// instance has joined.
func (r *Registry) UserChannels(userId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for c, joined := range r.clients {
		if c.userId != userId {
			continue
		}
		for channelId := range joined {
			seen[channelId] = struct{}{}
		}
	}

	channels := make([]string, 0, len(seen))
	for channelId := range seen {
		channels = append(channels, channelId)
	}

	return channels
}
