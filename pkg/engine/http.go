package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/event"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/pubsub"
	"github.com/getrelayd/relayd/pkg/store"
	"github.com/getrelayd/relayd/pkg/tcp"
)

// buildMux assembles the HTTP surface: operational endpoints, the session
// upgrade endpoints, and the minimal message API that drives the event
// bridge.
func (e *Engine) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", e.handleHealth)
	mux.HandleFunc("/stats", e.handleStats)
	if reg := metrics.DefaultRegistry(); reg != nil {
		mux.Handle("/metrics", reg.Handler())
	}

	if e.wsEndpoint != nil {
		mux.Handle(e.cfg.WebSocket.Path, e.wsEndpoint)
	}
	if e.gqlHandler != nil {
		mux.Handle(e.cfg.GraphQL.Path, e.gqlHandler)
	}

	mux.HandleFunc("/api/messages", e.handleMessages)
	mux.HandleFunc("/api/users", e.handleUsers)
	return mux
}

type healthResponse struct {
	Status          string `json:"status"`
	BrokerConnected bool   `json:"brokerConnected"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	resp := healthResponse{
		Status:          "ok",
		BrokerConnected: e.broker.IsConnected(),
		UptimeSeconds:   int64(time.Since(e.startedAt).Seconds()),
	}
	status := http.StatusOK
	if !resp.BrokerConnected {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type statsResponse struct {
	Manager tcp.ManagerStats `json:"connections"`
	Handler tcp.HandlerStats `json:"handler"`
	Broker  pubsub.Stats     `json:"broker"`
	Bus     event.BusStats   `json:"events"`
	TCP     *tcp.ServerStats `json:"tcp,omitempty"`
	GraphQL *graphQLStats    `json:"graphql,omitempty"`
}

type graphQLStats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	resp := statsResponse{
		Manager: e.manager.Stats(),
		Handler: e.handler.Stats(),
		Broker:  e.broker.Stats(),
		Bus:     e.bus.Stats(),
	}
	if e.tcpServer != nil {
		stats := e.tcpServer.Stats()
		resp.TCP = &stats
	}
	if e.gqlHandler != nil {
		resp.GraphQL = &graphQLStats{
			Connections:   e.gqlHandler.ConnectionCount(),
			Subscriptions: e.gqlHandler.SubscriptionCount(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createMessageRequest struct {
	ChannelID   string `json:"channelId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	Content     any    `json:"content"`
}

// handleMessages persists a message and emits message.sent, which the
// bridge fans out to the messages topics.
func (e *Engine) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	identity, ok := e.authorise(w, r)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == nil {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.ChannelID == "" && req.RecipientID == "" {
		writeError(w, http.StatusBadRequest, "one of channelId or recipientId is required")
		return
	}
	if req.ChannelID != "" && req.RecipientID != "" {
		writeError(w, http.StatusBadRequest, "channelId and recipientId are mutually exclusive")
		return
	}

	msg := &store.Message{
		SenderID:    identity.UserID,
		ChannelID:   req.ChannelID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		SentAt:      time.Now(),
	}
	if err := e.messages.Create(r.Context(), msg); err != nil {
		e.log.Error("message create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	e.bus.Emit(event.NewMessageSent(msg))
	writeJSON(w, http.StatusCreated, msg)
}

type createUserRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// handleUsers creates a user and emits user.created for the users topics.
func (e *Engine) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if _, ok := e.authorise(w, r); !ok {
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	user := &store.User{
		Username:    req.Username,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	}
	if err := e.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		e.log.Error("user create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store user")
		return
	}

	e.bus.Emit(event.NewUserCreated(user))
	writeJSON(w, http.StatusCreated, user)
}

// authorise extracts and verifies the bearer token.
func (e *Engine) authorise(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return auth.Identity{}, false
	}

	identity, err := e.verifier.Verify(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return auth.Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
