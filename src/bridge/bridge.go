package bridge

import (
	"context"

	"github.com/orchestra-mcp/relay/src/types"
)

// Bridge defines the interface for cross-instance relaying. Implementations
// carry frames for users connected elsewhere and keep a cluster-wide count of
// each user's connections.
type Bridge interface {
	// Start begins listening for frames from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool

	// MarkOnline records a user's first local connection on this instance and
	// reports whether the user was offline everywhere before.
	MarkOnline(ctx context.Context, user types.UserID) (first bool, err error)

	// MarkOffline records that this instance lost the user's last connection
	// and reports whether the user is now offline everywhere.
	MarkOffline(ctx context.Context, user types.UserID) (last bool, err error)

	IsOnline(ctx context.Context, user types.UserID) (bool, error)
	OnlineUsers(ctx context.Context) ([]types.UserID, error)

	// Deliver publishes env for every instance holding a connection of user.
	Deliver(ctx context.Context, user types.UserID, env types.Envelope) error
}

// BroadcastTarget is implemented by the Hub to receive frames and presence
// transitions from the bridge.
type BroadcastTarget interface {
	DeliverLocal(user types.UserID, env types.Envelope)
	RemoteOnline(user types.UserID)
	RemoteOffline(user types.UserID)
}
