package providers

import (
	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/relay/src/types"
)

// RegisterRoutes registers the read-only admin routes via Fiber.
func (p *RelayProvider) RegisterRoutes(group fiber.Router) {
	group.Get("/healthz", p.handleHealth)
	group.Get("/ws/info", p.handleInfo)
	group.Get("/api/presence", p.handlePresence)
	group.Get("/api/connections/:userId", p.handleConnections)
}

func (p *RelayProvider) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (p *RelayProvider) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"clients":   p.service.ConnectionCount(),
		"joined":    p.hub.Registry().Count(),
		"online":    len(p.hub.Registry().Online()),
		"bridge":    p.bridge != nil && p.bridge.Available(),
	})
}

func (p *RelayProvider) handlePresence(c fiber.Ctx) error {
	users := p.service.OnlineUsers()
	return c.JSON(fiber.Map{"userIds": users, "count": len(users)})
}

func (p *RelayProvider) handleConnections(c fiber.Ctx) error {
	user := types.UserID(c.Params("userId"))
	conns := p.service.Connections(user)
	if len(conns) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "user has no live connections",
		})
	}
	return c.JSON(fiber.Map{"userId": user, "connections": conns, "online": true})
}
