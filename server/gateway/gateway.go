// Package gateway implements the authenticated duplex chat endpoint:
// conversation groups, message fan-out, typing indicators, and
// presence, over a websocket hub.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/internal/metrics"
	"github.com/codeforge-ai/codeforge/internal/profile"
	"github.com/codeforge-ai/codeforge/presence"
	"github.com/codeforge-ai/codeforge/server/auth"
	"github.com/codeforge-ai/codeforge/store"
)

// seenCap bounds the delivered-message dedupe window.
const seenCap = 4096

type Gateway struct {
	profile       *profile.Profile
	store         *store.Store
	presenceStore presence.Store
	eventBus      bus.EventBus
	authenticator *auth.Authenticator
	metrics       *metrics.Metrics

	hub      *hub
	upgrader websocket.Upgrader

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// seen dedupes agent-response deliveries; the bus redelivers after
	// crashes and clients should not see the reply twice.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

func New(p *profile.Profile, st *store.Store, ps presence.Store, eb bus.EventBus, a *auth.Authenticator, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		profile:       p,
		store:         st,
		presenceStore: ps,
		eventBus:      eb,
		authenticator: a,
		metrics:       m,
		hub:           newHub(),
		limiters:      map[string]*rate.Limiter{},
		seen:          map[string]struct{}{},
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// RegisterRoutes attaches the hub endpoint.
func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	e.GET("/hubs/chat", g.handleWebSocket)
}

// RegisterConsumers subscribes the gateway to agent responses when the
// deployment delivers over the bus.
func (g *Gateway) RegisterConsumers() {
	g.eventBus.Subscribe(bus.TopicAgentResponse, g.handleAgentResponse)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := g.profile.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (CLI, SDK) send no origin.
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin.rejected", "origin", origin)
	return false
}

// handleWebSocket authenticates the upgrade request and runs the
// connection until it drops. The bearer credential comes from the
// Authorization header, or the access_token query parameter for
// browser websocket clients that cannot set headers.
func (g *Gateway) handleWebSocket(c echo.Context) error {
	token := auth.ExtractBearer(c.Request().Header.Get("Authorization"))
	if token == "" {
		token = c.QueryParam("access_token")
	}
	claims, err := g.authenticator.Authenticate(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credential")
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("gateway.upgrade.failed", "error", err)
		return nil
	}

	ctx := c.Request().Context()
	client := newClient(uuid.NewString(), claims.UserID(), conn, g, g.userLimiter(claims.UserID()))

	g.hub.register(client)
	g.metrics.ConnectionsActive.Inc()
	_ = g.presenceStore.MarkOnline(ctx, client.userID, client.id)

	count, _ := g.presenceStore.GetConnectionCount(ctx, client.userID)
	if count <= 1 {
		g.hub.broadcastAll(newEvent(EventPresenceChanged, &PresencePayload{UserID: client.userID, Online: true}))
	}
	slog.Info("gateway.client.connected", "connection_id", client.id, "user_id", client.userID)

	go client.writePump()
	client.readPump(ctx)

	// Connection closed. Presence cleanup uses a fresh context; the
	// request context is already canceled.
	cleanupCtx := context.WithoutCancel(ctx)
	remaining := g.hub.unregister(client)
	client.close()
	g.metrics.ConnectionsActive.Dec()
	_ = g.presenceStore.MarkOffline(cleanupCtx, client.userID, client.id)
	if remaining == 0 {
		g.releaseLimiter(client.userID)
		payload := &PresencePayload{UserID: client.userID, Online: false}
		if lastSeen, ok, err := g.presenceStore.GetLastSeen(cleanupCtx, client.userID); err == nil && ok {
			payload.LastSeenAt = lastSeen.UTC().Format(time.RFC3339)
		}
		g.hub.broadcastAll(newEvent(EventPresenceChanged, payload))
	}
	slog.Info("gateway.client.disconnected", "connection_id", client.id, "user_id", client.userID, "remaining", remaining)
	return nil
}

func (g *Gateway) refreshPresence(ctx context.Context, c *Client) {
	_ = g.presenceStore.MarkOnline(ctx, c.userID, c.id)
}

// userLimiter returns the shared per-user SendMessage limiter; every
// tab of a user draws from the same bucket.
func (g *Gateway) userLimiter(userID string) *rate.Limiter {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	limiter, ok := g.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.profile.RateLimitPerUser), g.profile.RateLimitBurst)
		g.limiters[userID] = limiter
	}
	return limiter
}

func (g *Gateway) releaseLimiter(userID string) {
	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	delete(g.limiters, userID)
}

// handleAgentResponse consumes agent replies off the bus and fans them
// out to the conversation group.
func (g *Gateway) handleAgentResponse(ctx context.Context, envelope *bus.Envelope) error {
	var response bus.AgentResponse
	if err := envelope.Decode(&response); err != nil {
		return err
	}
	g.deliverAgentResponse(&response)
	return nil
}

// DeliverAgentMessage is the callback-delivery entry point used by the
// internal REST endpoint. It shares the dedupe window with the bus
// path.
func (g *Gateway) DeliverAgentMessage(conversationUID string, message *store.Message) {
	var metadata json.RawMessage
	if message.Metadata != "" {
		metadata = json.RawMessage(message.Metadata)
	}
	g.deliverAgentResponse(&bus.AgentResponse{
		ConversationUID: conversationUID,
		MessageUID:      message.UID,
		Content:         message.Content,
		Metadata:        metadata,
	})
}

func (g *Gateway) deliverAgentResponse(response *bus.AgentResponse) {
	if g.alreadyDelivered(response.MessageUID) {
		slog.Debug("gateway.agent_response.duplicate", "message_id", response.MessageUID)
		return
	}

	var metadata any
	if len(response.Metadata) > 0 {
		_ = json.Unmarshal(response.Metadata, &metadata)
	}
	g.hub.broadcastToConversation(response.ConversationUID, newEvent(EventReceiveMessage, &MessagePayload{
		ConversationID: response.ConversationUID,
		MessageID:      response.MessageUID,
		Role:           string(store.RoleAssistant),
		Content:        response.Content,
		Metadata:       metadata,
	}), nil)
	g.hub.broadcastToConversation(response.ConversationUID, newEvent(EventAgentTyping, &TypingPayload{
		ConversationID: response.ConversationUID,
		Typing:         false,
	}), nil)
	g.metrics.MessagesSent.WithLabelValues(string(store.RoleAssistant)).Inc()
}

// alreadyDelivered records the message id and reports whether it was
// seen before. The window is bounded; an id falling out of it after
// thousands of newer deliveries is acceptable because bus redelivery
// happens close to the original attempt.
func (g *Gateway) alreadyDelivered(messageUID string) bool {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	if _, ok := g.seen[messageUID]; ok {
		return true
	}
	g.seen[messageUID] = struct{}{}
	g.seenOrder = append(g.seenOrder, messageUID)
	if len(g.seenOrder) > seenCap {
		evict := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seen, evict)
	}
	return false
}
