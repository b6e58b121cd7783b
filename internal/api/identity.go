package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/hivegate/hivegate/internal/gateway"
	"github.com/hivegate/hivegate/internal/identity"
	"github.com/hivegate/hivegate/protocol"
)

// IdentityHandler manages the persona cascade: the global default, the
// per-channel defaults, and the read side resolving them against a node's
// session override.
type IdentityHandler struct {
	store *identity.Store
	hub   *gateway.Hub
}

// NewIdentityHandler creates a new identity handler.
func NewIdentityHandler(store *identity.Store, hub *gateway.Hub) *IdentityHandler {
	return &IdentityHandler{store: store, hub: hub}
}

// SetGlobal handles PUT /api/v1/identity. The body replaces the global
// default record.
func (h *IdentityHandler) SetGlobal(c fiber.Ctx) error {
	id, err := bindIdentity(c)
	if err != nil {
		return FailProblem(c, protocol.AsProblem(err))
	}
	h.store.SetGlobal(id)
	return Success(c, fiber.Map{"scope": "global"})
}

// ClearGlobal handles DELETE /api/v1/identity.
func (h *IdentityHandler) ClearGlobal(c fiber.Ctx) error {
	h.store.SetGlobal(nil)
	return Success(c, fiber.Map{"scope": "global"})
}

// SetChannel handles PUT /api/v1/identity/channels/:channelId.
func (h *IdentityHandler) SetChannel(c fiber.Ctx) error {
	id, err := bindIdentity(c)
	if err != nil {
		return FailProblem(c, protocol.AsProblem(err))
	}
	channelID := c.Params("channelId")
	h.store.SetChannel(channelID, id)
	return Success(c, fiber.Map{"scope": "channel", "channelId": channelID})
}

// ClearChannel handles DELETE /api/v1/identity/channels/:channelId.
func (h *IdentityHandler) ClearChannel(c fiber.Ctx) error {
	channelID := c.Params("channelId")
	h.store.SetChannel(channelID, nil)
	return Success(c, fiber.Map{"scope": "channel", "channelId": channelID})
}

// Effective handles GET /api/v1/nodes/:nodeId/identity. The optional
// channelId query selects the channel layer of the cascade.
func (h *IdentityHandler) Effective(c fiber.Ctx) error {
	return Success(c, h.hub.EffectiveIdentity(c.Params("nodeId"), c.Query("channelId")))
}

func bindIdentity(c fiber.Ctx) (*protocol.Identity, error) {
	var id protocol.Identity
	if err := c.Bind().Body(&id); err != nil {
		return nil, &protocol.ProblemError{Problem: protocol.Problem{
			Type:   protocol.TypeMalformedFrame,
			Title:  "Malformed identity",
			Status: fiber.StatusBadRequest,
			Detail: "request body is not a valid identity record",
		}}
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &id, nil
}
