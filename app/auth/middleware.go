package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/hashvault/ms-go-billing/app/factory"
	"github.com/hashvault/ms-go-billing/app/types"
)

const principalContextKey = "auth.principal"

type EchoSessionMiddleware struct {
	codec  *SessionCodec
	logger logrus.FieldLogger
}

func NewEchoSessionMiddleware(codec *SessionCodec) *EchoSessionMiddleware {
	return &EchoSessionMiddleware{
		codec:  codec,
		logger: factory.NewModuleLogger("auth-middleware"),
	}
}

// RequireUser authenticates the bearer session token and stores the principal
// on the request context.
func (m *EchoSessionMiddleware) RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			principal, err := m.authenticate(ctx)
			if err != nil {
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "authentication required"})
			}
			SetPrincipal(ctx, principal)
			return next(ctx)
		}
	}
}

// RequireAdmin authenticates the session token and additionally requires the
// admin role carried inside it.
func (m *EchoSessionMiddleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			principal, err := m.authenticate(ctx)
			if err != nil {
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "authentication required"})
			}
			if principal.Role != "admin" {
				m.logger.WithField("external_id", principal.ExternalID).Warn("Non-admin attempted admin endpoint")
				return ctx.JSON(http.StatusForbidden, &types.ErrorResponse{Error: "admin access required"})
			}
			SetPrincipal(ctx, principal)
			return next(ctx)
		}
	}
}

func (m *EchoSessionMiddleware) authenticate(ctx echo.Context) (*Principal, error) {
	header := ctx.Request().Header.Get(echo.HeaderAuthorization)
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return nil, ErrInvalidToken
	}
	return m.codec.Decode(strings.TrimSpace(token))
}

// SetPrincipal stores the authenticated principal on the request context.
func SetPrincipal(ctx echo.Context, principal *Principal) {
	ctx.Set(principalContextKey, principal)
}

// PrincipalFromContext returns the authenticated principal stored by the
// middleware, or nil when the route is unauthenticated.
func PrincipalFromContext(ctx echo.Context) *Principal {
	principal, _ := ctx.Get(principalContextKey).(*Principal)
	return principal
}
