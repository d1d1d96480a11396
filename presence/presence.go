// Package presence tracks user liveness across gateway connections.
//
// A user is online while at least one of their connections holds an
// unexpired TTL mark; heartbeats refresh the mark. Liveness data is
// best-effort: when the backing store is unreachable the
// implementations answer conservatively (offline, unknown last-seen)
// instead of failing the calling request.
package presence

import (
	"context"
	"time"
)

// Store is the presence contract used by the gateway.
type Store interface {
	// MarkOnline records a live connection for the user and refreshes
	// its TTL. Called on connect and on every heartbeat.
	MarkOnline(ctx context.Context, userID, connectionID string) error

	// MarkOffline drops one connection. The user stays online while
	// other connections remain.
	MarkOffline(ctx context.Context, userID, connectionID string) error

	// IsOnline reports whether the user has at least one live
	// connection.
	IsOnline(ctx context.Context, userID string) (bool, error)

	// GetLastSeen returns the last activity time. ok is false when the
	// user has never been seen or the data is unavailable.
	GetLastSeen(ctx context.Context, userID string) (lastSeen time.Time, ok bool, err error)

	// GetOnlineUsers lists currently online user ids.
	GetOnlineUsers(ctx context.Context) ([]string, error)

	// GetConnectionCount returns the number of live connections of the
	// user.
	GetConnectionCount(ctx context.Context, userID string) (int, error)

	Close() error
}
