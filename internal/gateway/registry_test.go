package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()
	c := &Client{id: "s1", userId: "alice"}

	added, firstLocal := r.Join(c, "general")
	assert.True(t, added, "expected first join to add the pairing")
	assert.True(t, firstLocal, "expected first join to report first local member")

	added, firstLocal = r.Join(c, "general")
	assert.False(t, added, "expected repeated join to be a no-op")
	assert.False(t, firstLocal, "expected repeated join not to report first local member")

	assert.Equal(t, 1, r.MemberCount("general"))
	assert.Equal(t, []string{"general"}, r.Channels(c))

	removed, lastLocal := r.Leave(c, "general")
	assert.True(t, removed, "expected leave to remove the pairing")
	assert.True(t, lastLocal, "expected leave to report last local member")

	removed, lastLocal = r.Leave(c, "general")
	assert.False(t, removed, "expected leave of non-member to be a no-op")
	assert.False(t, lastLocal)

	assert.Zero(t, r.MemberCount("general"))
	assert.Empty(t, r.Channels(c))
}

func TestRegistryJoinMultipleMembers(t *testing.T) {
	r := NewRegistry()
	c1 := &Client{id: "s1", userId: "alice"}
	c2 := &Client{id: "s2", userId: "bob"}

	_, firstLocal := r.Join(c1, "general")
	assert.True(t, firstLocal)

	_, firstLocal = r.Join(c2, "general")
	assert.False(t, firstLocal, "expected second member not to be first local")

	assert.Equal(t, 2, r.MemberCount("general"))
	assert.ElementsMatch(t, []*Client{c1, c2}, r.Members("general"))

	_, lastLocal := r.Leave(c1, "general")
	assert.False(t, lastLocal, "expected channel to still have a local member")

	_, lastLocal = r.Leave(c2, "general")
	assert.True(t, lastLocal)
}

func TestRegistryRemoveAll(t *testing.T) {
	r := NewRegistry()
	c1 := &Client{id: "s1", userId: "alice"}
	c2 := &Client{id: "s2", userId: "bob"}

	r.Join(c1, "general")
	r.Join(c1, "random")
	r.Join(c2, "general")

	channels, emptied := r.RemoveAll(c1)
	assert.ElementsMatch(t, []string{"general", "random"}, channels)
	assert.Equal(t, []string{"random"}, emptied, "expected only the channel c1 was alone in to be emptied")

	assert.Empty(t, r.Channels(c1), "expected no channels after RemoveAll")
	assert.Equal(t, 1, r.MemberCount("general"))

	channels, emptied = r.RemoveAll(c1)
	assert.Empty(t, channels, "expected second RemoveAll to be a no-op")
	assert.Empty(t, emptied)
}

func TestRegistryUserChannels(t *testing.T) {
	r := NewRegistry()
	c1 := &Client{id: "s1", userId: "alice"}
	c2 := &Client{id: "s2", userId: "alice"}
	c3 := &Client{id: "s3", userId: "bob"}

	r.Join(c1, "general")
	r.Join(c2, "general")
	r.Join(c2, "random")
	r.Join(c3, "ops")

	assert.ElementsMatch(t, []string{"general", "random"}, r.UserChannels("alice"),
		"expected the union of channels across alice's connections")
	assert.Equal(t, []string{"ops"}, r.UserChannels("bob"))
	assert.Empty(t, r.UserChannels("carol"))
}
