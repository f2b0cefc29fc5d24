package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/teamhub/realtime-gateway/internal/gateway"
	"github.com/teamhub/realtime-gateway/internal/stats"
	"github.com/teamhub/realtime-gateway/internal/types"
)

type UpdatePresenceRequest struct {
	UserId string               `json:"userId"`
	Status types.PresenceStatus `json:"status"`
}

type TypingRequest struct {
	UserId    string `json:"userId"`
	ChannelId string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

type PostMessageRequest struct {
	ChannelId string   `json:"channelId"`
	UserId    string   `json:"userId"`
	Content   string   `json:"content"`
	Mentions  []string `json:"mentions,omitempty"`
}

type PresenceResponse struct {
	ChannelId string                       `json:"channelId"`
	Members   []types.Member               `json:"members"`
	Counts    map[types.PresenceStatus]int `json:"counts"`
	Typing    []string                     `json:"typing,omitempty"`
}

type PollResponse struct {
	Events          []types.MessageEvent `json:"events"`
	ServerTimestamp int64                `json:"serverTimestamp"`
	// Gap tells the caller their cursor predates the retained buffer and a
	// full resync is needed.
	Gap bool `json:"gap,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Connections int    `json:"connections"`
	InstanceId  string `json:"instanceId"`
}

func (s *GatewayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GatewayApp) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Store:       "connected",
		Connections: s.gw.ConnectionCount(),
		InstanceId:  s.gw.InstanceId(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Println("health: store ping:", err)
		resp.Status = "unready"
		resp.Store = "disconnected"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJson(w, statusCode, resp)
}

func (s *GatewayApp) getPresence(w http.ResponseWriter, r *http.Request) {
	channelId := r.PathValue("channelId")
	if !gateway.ValidChannelId(channelId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	exists, err := s.store.ChannelExists(r.Context(), channelId)
	if err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !exists {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	members, counts, err := s.gw.Aggregate(r.Context(), channelId)
	if err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	typing, err := s.gw.ActiveTypers(r.Context(), channelId)
	if err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, PresenceResponse{
		ChannelId: channelId,
		Members:   members,
		Counts:    counts,
		Typing:    typing,
	})
}

func (s *GatewayApp) postPresence(w http.ResponseWriter, r *http.Request) {
	channelId := r.PathValue("channelId")
	if !gateway.ValidChannelId(channelId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdatePresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.UserId == "" || !req.Status.Valid() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.gw.SetStatus(r.Context(), req.UserId, req.Status); err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]any{
		"userId": req.UserId,
		"status": req.Status.Public(),
	})
}

func (s *GatewayApp) postTyping(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.UserId == "" || !gateway.ValidChannelId(req.ChannelId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.gw.SetTyping(r.Context(), req.ChannelId, req.UserId, req.IsTyping); err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]any{
		"channelId": req.ChannelId,
		"userId":    req.UserId,
		"isTyping":  req.IsTyping,
	})
}

func (s *GatewayApp) postMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.UserId == "" || req.Content == "" || !gateway.ValidChannelId(req.ChannelId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ev, err := s.gw.PublishMessage(r.Context(), req.ChannelId, req.UserId, req.Content, req.Mentions)
	if err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, ev)
}

// poll serves the stateless cursor contract: every buffered event newer than
// since, plus the timestamp to use as the next cursor.
func (s *GatewayApp) poll(w http.ResponseWriter, r *http.Request) {
	s.stats.Incr(stats.PollRequests)

	channelId := r.URL.Query().Get("channelId")
	if !gateway.ValidChannelId(channelId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var since int64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		var err error
		since, err = strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	exists, err := s.store.ChannelExists(r.Context(), channelId)
	if err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !exists {
		// distinguish "no events" from "bad channel"
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	events, gap, err := s.store.EventsSince(r.Context(), channelId, since)
	if err != nil {
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, PollResponse{
		Events:          events,
		ServerTimestamp: gateway.Now(),
		Gap:             gap,
	})
}

func (s *GatewayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sessionId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := gateway.NewClient(sessionId, userId, conn, s.gw, s.log)

	s.gw.RegisterClient(client)
	go client.Write()
	go client.Read()
}
