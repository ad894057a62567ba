package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/noah-isme/parish-admin-api/pkg/credential"
	appErrors "github.com/noah-isme/parish-admin-api/pkg/errors"
	"github.com/noah-isme/parish-admin-api/pkg/response"
)

const (
	// ContextUserKey is the gin context key storing access credential claims.
	ContextUserKey = "currentUser"
	// ContextRefreshKey stores the claims of a refresh credential that passed RefreshJWT.
	ContextRefreshKey = "refreshClaims"
	// ContextRefreshTokenKey stores the raw refresh credential that passed RefreshJWT.
	ContextRefreshTokenKey = "refreshToken"
)

// Authenticator validates access credentials, idle timeout included.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*credential.Claims, error)
}

// RefreshGuard validates refresh credentials against the revocation store.
type RefreshGuard interface {
	VerifyRefresh(refreshToken string) (*credential.Claims, error)
	IsRevoked(ctx context.Context, kind credential.Kind, jti string) bool
}

// JWT protects routes by requiring a valid access token.
func JWT(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			abort(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing bearer token"))
			return
		}

		claims, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// RefreshJWT guards routes that trust a refresh credential. The token is read
// from the Authorization header or, failing that, the refresh_token JSON field.
func RefreshJWT(guard RefreshGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok && c.Request.Body != nil {
			var payload struct {
				RefreshToken string `json:"refresh_token"`
			}
			if err := c.ShouldBindBodyWith(&payload, binding.JSON); err == nil {
				token = strings.TrimSpace(payload.RefreshToken)
			}
		}
		if token == "" {
			abort(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing refresh token"))
			return
		}

		claims, err := guard.VerifyRefresh(token)
		if err != nil {
			abort(c, err)
			return
		}
		if guard.IsRevoked(c.Request.Context(), claims.Type, claims.ID) {
			abort(c, appErrors.Clone(appErrors.ErrInvalidOrRevokedCredential, ""))
			return
		}

		c.Set(ContextRefreshKey, claims)
		c.Set(ContextRefreshTokenKey, token)
		c.Next()
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(c.GetHeader("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// StripBearer accepts either "Bearer <token>" or a bare token.
func StripBearer(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 {
		if !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		value = strings.TrimSpace(parts[1])
	}
	return value, value != ""
}

func abort(c *gin.Context, err error) {
	response.Error(c, err)
	c.Abort()
}
