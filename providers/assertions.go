package providers

import (
	"github.com/orchestra-mcp/relay/src/bridge"
	"github.com/orchestra-mcp/relay/src/hub"
	"github.com/orchestra-mcp/relay/src/presence"
	"github.com/orchestra-mcp/relay/src/router"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/orchestra-mcp/relay/src/typing"
)

// Compile-time interface assertions.
var (
	_ bridge.Bridge          = (*bridge.RedisBridge)(nil)
	_ hub.MessageBridge      = (*bridge.RedisBridge)(nil)
	_ presence.Directory     = (*bridge.RedisBridge)(nil)
	_ router.Remote          = (*bridge.RedisBridge)(nil)
	_ typing.Remote          = (*bridge.RedisBridge)(nil)
	_ bridge.BroadcastTarget = (*hub.Hub)(nil)
	_ types.Sink             = (*hub.Client)(nil)
	_ types.Conn             = (*fasthttpConn)(nil)
)
