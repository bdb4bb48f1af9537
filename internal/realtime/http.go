package realtime

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/careflow/internal/domain/clinic"
	"github.com/ehr/careflow/internal/platform/auth"
)

// RESTHandler exposes server-originated publishing and delivery statistics
// over HTTP.
type RESTHandler struct {
	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
}

func NewRESTHandler(registry *Registry, router *Router, dispatcher *Dispatcher) *RESTHandler {
	return &RESTHandler{registry: registry, router: router, dispatcher: dispatcher}
}

// RegisterRoutes mounts the publish endpoint behind auth.RequireRole("admin").
// The group is expected to carry the JWT middleware already.
func (h *RESTHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/notifications", h.PublishNotification, auth.RequireRole("admin"))
	g.GET("/realtime/stats", h.Stats)
}

// PublishNotificationRequest is the body of POST /notifications.
type PublishNotificationRequest struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
	Target   Target `json:"target"`
}

// StatsResponse is the body of GET /realtime/stats.
type StatsResponse struct {
	Connections int         `json:"connections"`
	Router      RouterStats `json:"router"`
}

func (h *RESTHandler) PublishNotification(c echo.Context) error {
	var req PublishNotificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sender := Identity{
		UserID: auth.UserIDFromContext(c.Request().Context()),
		Role:   clinic.RoleAdmin,
	}
	saved, err := h.dispatcher.Notify(c.Request().Context(), sender, Notification{
		Category: req.Category,
		Title:    req.Title,
		Body:     req.Body,
		Severity: req.Severity,
		Target:   req.Target,
		System:   true,
	})
	if err != nil {
		var pe *PersistenceError
		switch {
		case errors.Is(err, ErrInvalidPayload):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrForbidden):
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		case errors.As(err, &pe):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			return err
		}
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *RESTHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Connections: h.registry.Count(),
		Router:      h.router.Stats(),
	})
}
