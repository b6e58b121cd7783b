package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/hivegate/hivegate/internal/gateway"
	"github.com/hivegate/hivegate/protocol"
)

// Problem types for dispatch failures that only occur on the HTTP surface.
const (
	typeNoAgentBound    = "NoAgentBound"
	typeNoNodeAvailable = "NoNodeAvailable"
	typeBadDispatch     = "BadDispatch"
)

// DispatchHandler accepts messages from upstream channel integrations and
// routes them onto node lane queues.
type DispatchHandler struct {
	hub *gateway.Hub
}

// NewDispatchHandler creates a new dispatch handler.
func NewDispatchHandler(hub *gateway.Hub) *DispatchHandler {
	return &DispatchHandler{hub: hub}
}

// Dispatch handles POST /api/v1/dispatch. The body is a routing request; the
// response reports the conversation key and the node the message landed on.
func (h *DispatchHandler) Dispatch(c fiber.Ctx) error {
	var msg gateway.InboundMessage
	if err := c.Bind().Body(&msg); err != nil {
		return FailProblem(c, protocol.Problem{
			Type:   typeBadDispatch,
			Title:  "Bad dispatch request",
			Status: fiber.StatusBadRequest,
			Detail: "request body is not a valid dispatch message",
		})
	}

	res, err := h.hub.Dispatch(msg)
	if err != nil {
		return FailProblem(c, dispatchProblem(err))
	}
	return SuccessStatus(c, fiber.StatusAccepted, res)
}

// dispatchProblem maps routing errors onto problem objects.
func dispatchProblem(err error) protocol.Problem {
	var pe *protocol.ProblemError
	if errors.As(err, &pe) {
		return pe.Problem
	}

	switch {
	case errors.Is(err, gateway.ErrNoAgent):
		return protocol.Problem{
			Type:   typeNoAgentBound,
			Title:  "No agent bound",
			Status: fiber.StatusNotFound,
			Detail: err.Error(),
		}
	case errors.Is(err, gateway.ErrNoNode):
		return protocol.Problem{
			Type:   typeNoNodeAvailable,
			Title:  "No node available",
			Status: fiber.StatusServiceUnavailable,
			Detail: err.Error(),
		}
	default:
		// Remaining failures are conversation key resolution errors.
		return protocol.Problem{
			Type:   typeBadDispatch,
			Title:  "Bad dispatch request",
			Status: fiber.StatusBadRequest,
			Detail: err.Error(),
		}
	}
}
