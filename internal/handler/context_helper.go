package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/parish-admin-api/internal/middleware"
	"github.com/noah-isme/parish-admin-api/pkg/credential"
)

func claimsFromContext(c *gin.Context) *credential.Claims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*credential.Claims)
	if !ok {
		return nil
	}
	return claims
}
