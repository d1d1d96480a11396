package gateway

import "sync"

// hub tracks connected clients, their conversation group membership,
// and the per-user connection fan-out. All methods are safe for
// concurrent use.
type hub struct {
	mu            sync.RWMutex
	clients       map[string]*Client             // connection id -> client
	conversations map[string]map[*Client]struct{} // conversation uid -> members
	users         map[string]map[*Client]struct{} // user id -> their connections
}

func newHub() *hub {
	return &hub{
		clients:       map[string]*Client{},
		conversations: map[string]map[*Client]struct{}{},
		users:         map[string]map[*Client]struct{}{},
	}
}

func (h *hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	conns, ok := h.users[c.userID]
	if !ok {
		conns = map[*Client]struct{}{}
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
}

// unregister removes the client and reports how many connections the
// user still has.
func (h *hub) unregister(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	for uid := range c.joined {
		h.leaveLocked(c, uid)
	}
	conns := h.users[c.userID]
	delete(conns, c)
	remaining := len(conns)
	if remaining == 0 {
		delete(h.users, c.userID)
	}
	return remaining
}

func (h *hub) join(c *Client, conversationUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.conversations[conversationUID]
	if !ok {
		members = map[*Client]struct{}{}
		h.conversations[conversationUID] = members
	}
	members[c] = struct{}{}
	c.joined[conversationUID] = struct{}{}
}

func (h *hub) leave(c *Client, conversationUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationUID)
	delete(c.joined, conversationUID)
}

func (h *hub) leaveLocked(c *Client, conversationUID string) {
	members := h.conversations[conversationUID]
	delete(members, c)
	if len(members) == 0 {
		delete(h.conversations, conversationUID)
	}
}

// broadcastToConversation sends the event to every group member except
// the excluded client (nil to include everyone).
func (h *hub) broadcastToConversation(conversationUID string, event *EventFrame, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for member := range h.conversations[conversationUID] {
		if member == except {
			continue
		}
		member.sendEvent(event)
	}
}

// broadcastToUser reaches every open connection of the user, joined to
// the conversation or not.
func (h *hub) broadcastToUser(userID string, event *EventFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.users[userID] {
		conn.sendEvent(event)
	}
}

// broadcastAll fans the event out to every connected client.
func (h *hub) broadcastAll(event *EventFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.sendEvent(event)
	}
}

func (h *hub) isMember(conversationUID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conversations[conversationUID][c]
	return ok
}

func (h *hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
