// Package v1 exposes the REST surface: conversation CRUD, message
// history, and the internal service-to-service endpoints.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/codeforge-ai/codeforge/internal/profile"
	"github.com/codeforge-ai/codeforge/server/auth"
	"github.com/codeforge-ai/codeforge/server/gateway"
	"github.com/codeforge-ai/codeforge/store"
)

type APIV1Service struct {
	Profile       *profile.Profile
	Store         *store.Store
	Authenticator *auth.Authenticator
	Gateway       *gateway.Gateway
}

func NewAPIV1Service(p *profile.Profile, st *store.Store, a *auth.Authenticator, g *gateway.Gateway) *APIV1Service {
	return &APIV1Service{
		Profile:       p,
		Store:         st,
		Authenticator: a,
		Gateway:       g,
	}
}

// Register attaches all /api/v1 routes. Every route requires a valid
// bearer credential; the internal group additionally requires the
// service scope.
func (s *APIV1Service) Register(e *echo.Echo) {
	group := e.Group("/api/v1", s.authenticate)

	group.POST("/conversations", s.CreateConversation)
	group.GET("/conversations", s.ListConversations)
	group.GET("/conversations/:uid", s.GetConversation)
	group.PUT("/conversations/:uid", s.UpdateConversation)
	group.PATCH("/conversations/:uid", s.UpdateConversation)
	group.DELETE("/conversations/:uid", s.DeleteConversation)
	group.GET("/conversations/:uid/messages", s.ListMessages)

	internal := group.Group("", s.requireInternalService)
	internal.POST("/conversations/:uid/agent-response", s.ReceiveAgentResponse)
	internal.GET("/conversations/:uid/messages/history", s.GetMessageHistory)
}

// authenticate verifies the bearer token and stores the claims on the
// request context.
func (s *APIV1Service) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := auth.ExtractBearer(c.Request().Header.Get("Authorization"))
		claims, err := s.Authenticator.Authenticate(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credential")
		}
		ctx := auth.WithClaims(c.Request().Context(), claims)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// requireInternalService gates the endpoints collaborating backend
// services call. User tokens are rejected even for the user's own
// conversations.
func (s *APIV1Service) requireInternalService(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := auth.ClaimsFromContext(c.Request().Context())
		if !ok || !claims.IsInternalService() {
			return echo.NewHTTPError(http.StatusForbidden, "internal service credential required")
		}
		return next(c)
	}
}
