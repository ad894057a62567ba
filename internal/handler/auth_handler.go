package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/noah-isme/parish-admin-api/internal/middleware"
	"github.com/noah-isme/parish-admin-api/internal/models"
	appErrors "github.com/noah-isme/parish-admin-api/pkg/errors"
	"github.com/noah-isme/parish-admin-api/pkg/response"
)

// RefreshTokenHeader may carry the refresh credential on logout.
const RefreshTokenHeader = "X-Refresh-Token"

type authService interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error)
	Logout(ctx context.Context, req models.LogoutRequest) (*models.LogoutResult, error)
	Me(ctx context.Context, principalID string) (*models.UserInfo, error)
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service authService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate user by email and password. Any refresh token previously issued to the user is revoked.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange a refresh token for a new access and refresh token. The presented refresh token becomes unusable.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param Authorization header string false "Bearer refresh token"
// @Param payload body models.RefreshTokenRequest false "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	token := c.GetString(middleware.ContextRefreshTokenKey)
	if token == "" {
		token = refreshTokenFromRequest(c)
	}
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing refresh token"))
		return
	}

	res, err := h.service.Refresh(c.Request.Context(), models.RefreshTokenRequest{
		RefreshToken: token,
		IP:           c.ClientIP(),
		UserAgent:    c.GetHeader("User-Agent"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Logout godoc
// @Summary Logout
// @Description Revoke every refresh token of the user identified by the access token or the refresh token (body or X-Refresh-Token header). Always succeeds for missing or invalid tokens.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param Authorization header string false "Bearer access token"
// @Param X-Refresh-Token header string false "Refresh token"
// @Param payload body models.RefreshTokenRequest false "Refresh token"
// @Success 200 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	req := models.LogoutRequest{
		IP:        c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
	if token, ok := middleware.BearerToken(c); ok {
		req.AccessToken = token
	}
	req.RefreshToken = bodyRefreshToken(c)
	if req.RefreshToken == "" {
		req.RefreshToken, _ = middleware.StripBearer(c.GetHeader(RefreshTokenHeader))
	}

	if _, err := h.service.Logout(c.Request.Context(), req); err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"message": "logged out"})
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's info
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info, err := h.service.Me(c.Request.Context(), claims.PrincipalID())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, info)
}

func refreshTokenFromRequest(c *gin.Context) string {
	if token, ok := middleware.BearerToken(c); ok {
		return token
	}
	return bodyRefreshToken(c)
}

func bodyRefreshToken(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindBodyWith(&payload, binding.JSON); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.RefreshToken)
}
