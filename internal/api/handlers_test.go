package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamhub/realtime-gateway/internal/config"
	"github.com/teamhub/realtime-gateway/internal/gateway"
	"github.com/teamhub/realtime-gateway/internal/stats"
	"github.com/teamhub/realtime-gateway/internal/store"
	"github.com/teamhub/realtime-gateway/internal/testutil"
	"github.com/teamhub/realtime-gateway/internal/types"
)

const testSigningSecret = "test-signing-key"

func testConfig(t *testing.T, opts config.Options) *config.Config {
	if opts.ServerAddr == "" {
		opts.ServerAddr = "localhost:8000"
	}
	opts.Base64Secret = base64.StdEncoding.EncodeToString([]byte(testSigningSecret))

	cfg, err := config.New(opts)
	if err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}
	return cfg
}

// newTestApp wires a GatewayApp on an in-memory store with a running hub.
func newTestApp(t *testing.T, st store.Store, opts config.Options) (*GatewayApp, *gateway.Gateway) {
	cfg := testConfig(t, opts)
	logger := testutil.TestLogger(t)

	gw, err := gateway.NewGateway(logger, cfg, st, stats.NoopStats{})
	if err != nil {
		t.Fatalf("failed to create test gateway: %v", err)
	}
	go gw.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			t.Errorf("gateway shutdown: %v", err)
		}
	})

	app := NewGatewayApp(http.NewServeMux(), logger, gw, st, stats.NoopStats{}, cfg)
	return app, gw
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("store down")
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		app, _ := newTestApp(t, store.NewMemoryStore(), config.Options{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		app.health(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "connected", resp.Store)
		assert.NotEmpty(t, resp.InstanceId)
	})

	t.Run("store unreachable", func(t *testing.T) {
		app, _ := newTestApp(t, brokenStore{store.NewMemoryStore()}, config.Options{})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		app.health(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "unready", resp.Status)
		assert.Equal(t, "disconnected", resp.Store)
	})
}

func TestGetPresence(t *testing.T) {
	st := store.NewMemoryStore()
	app, gw := newTestApp(t, st, config.Options{})

	ctx := context.Background()
	require.NoError(t, st.JoinRoster(ctx, "general", "alice"))
	require.NoError(t, st.JoinRoster(ctx, "general", "bob"))
	require.NoError(t, gw.SetStatus(ctx, "alice", types.StatusAway))
	require.NoError(t, gw.SetTyping(ctx, "general", "alice", true))

	t.Run("returns snapshot", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/presence/general", nil)
		req.SetPathValue("channelId", "general")
		app.getPresence(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp PresenceResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "general", resp.ChannelId)
		assert.Equal(t, []types.Member{
			{UserId: "alice", Status: types.StatusAway},
			{UserId: "bob", Status: types.StatusOffline},
		}, resp.Members)
		assert.Equal(t, map[types.PresenceStatus]int{
			types.StatusAway:    1,
			types.StatusOffline: 1,
		}, resp.Counts)
		assert.Equal(t, []string{"alice"}, resp.Typing)
	})

	t.Run("unknown channel", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/presence/nochannel", nil)
		req.SetPathValue("channelId", "nochannel")
		app.getPresence(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("malformed channel id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/presence/bad", nil)
		req.SetPathValue("channelId", "bad channel!")
		app.getPresence(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPostPresence(t *testing.T) {
	st := store.NewMemoryStore()
	app, gw := newTestApp(t, st, config.Options{})

	tcases := []struct {
		name         string
		body         any
		expectedCode int
	}{
		{
			name:         "updates status",
			body:         UpdatePresenceRequest{UserId: "alice", Status: types.StatusDnd},
			expectedCode: http.StatusOK,
		},
		{
			name:         "invalid json",
			body:         "not json",
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "missing user id",
			body:         UpdatePresenceRequest{Status: types.StatusAway},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "unknown status",
			body:         UpdatePresenceRequest{UserId: "alice", Status: "sleeping"},
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			require.NoError(t, json.NewEncoder(buf).Encode(tc.body))

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/presence/general", buf)
			req.SetPathValue("channelId", "general")
			app.postPresence(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
		})
	}

	status, err := gw.GetStatus(context.Background(), "alice")
	assert.NoError(t, err)
	assert.Equal(t, types.StatusDnd, status)
}

func TestPostTyping(t *testing.T) {
	st := store.NewMemoryStore()
	app, _ := newTestApp(t, st, config.Options{})

	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(TypingRequest{
		UserId:    "alice",
		ChannelId: "general",
		IsTyping:  true,
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/typing", buf)
	app.postTyping(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	typers, err := st.ActiveTypers(context.Background(), "general")
	assert.NoError(t, err)
	assert.Equal(t, []string{"alice"}, typers)

	t.Run("missing channel", func(t *testing.T) {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(TypingRequest{UserId: "alice"}))

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/typing", buf)
		app.postTyping(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPostMessage(t *testing.T) {
	st := store.NewMemoryStore()
	app, _ := newTestApp(t, st, config.Options{})

	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(PostMessageRequest{
		ChannelId: "general",
		UserId:    "alice",
		Content:   "hello",
		Mentions:  []string{"bob"},
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/messages", buf)
	app.postMessage(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)

	var ev types.MessageEvent
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&ev))
	assert.Equal(t, "hello", ev.Content)
	assert.NotZero(t, ev.ServerTimestamp, "expected the server to stamp the event")

	events, gap, err := st.EventsSince(context.Background(), "general", 0)
	require.NoError(t, err)
	assert.False(t, gap)
	require.Len(t, events, 1)
	assert.Equal(t, ev, events[0])

	t.Run("missing content", func(t *testing.T) {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(PostMessageRequest{
			ChannelId: "general",
			UserId:    "alice",
		}))

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/messages", buf)
		app.postMessage(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPoll(t *testing.T) {
	st := store.NewMemoryStore()
	app, gw := newTestApp(t, st, config.Options{})

	ctx := context.Background()
	var first, last types.MessageEvent
	for i, content := range []string{"one", "two", "three"} {
		ev, err := gw.PublishMessage(ctx, "general", "alice", content, nil)
		require.NoError(t, err)
		if i == 0 {
			first = ev
		}
		last = ev
	}

	t.Run("returns events after cursor in order", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/poll?channelId=general&since=0", nil)
		app.poll(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp PollResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		require.Len(t, resp.Events, 3)
		assert.Equal(t, "one", resp.Events[0].Content)
		assert.Equal(t, "two", resp.Events[1].Content)
		assert.Equal(t, "three", resp.Events[2].Content)
		assert.False(t, resp.Gap)
		assert.GreaterOrEqual(t, resp.ServerTimestamp, last.ServerTimestamp,
			"expected the next cursor to cover everything returned")
	})

	t.Run("cursor excludes events at or before it", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/poll?channelId=general", nil)
		q := req.URL.Query()
		q.Set("since", strconv.FormatInt(first.ServerTimestamp, 10))
		req.URL.RawQuery = q.Encode()
		app.poll(rr, req)

		var resp PollResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		for _, ev := range resp.Events {
			assert.Greater(t, ev.ServerTimestamp, first.ServerTimestamp)
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/poll?channelId=nochannel", nil)
		app.poll(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/poll?channelId=general&since=abc", nil)
		app.poll(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing channel id", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/poll", nil)
		app.poll(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPollGap(t *testing.T) {
	st := store.NewMemoryStore()
	app, gw := newTestApp(t, st, config.Options{BufferCapacity: 2})

	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		_, err := gw.PublishMessage(ctx, "general", "alice", content, nil)
		require.NoError(t, err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/poll?channelId=general&since=0", nil)
	app.poll(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp PollResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Gap, "expected a gap signal when the cursor predates the buffer")
	require.Len(t, resp.Events, 2, "expected only the retained events")
	assert.Equal(t, "two", resp.Events[0].Content)
	assert.Equal(t, "three", resp.Events[1].Content)
}
