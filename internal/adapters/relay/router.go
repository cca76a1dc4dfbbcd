package relay

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/config"
	"github.com/convoyvoice/convoy/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser client a stable cookie id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type tokenRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	GroupID string `json:"group_id" binding:"required"`
}

type tokenResponse struct {
	Token   string `json:"token"`
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ConvoySessions", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")

	// Short-lived group join credential; group membership checks live in
	// the account service that fronts this in production.
	api.POST("/token", func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		user := domain.UserID(req.UserID)
		group := domain.GroupID(req.GroupID)
		if domain.ValidateUserID(user) != nil || domain.ValidateGroupID(group) != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identifiers"})
			return
		}
		token, err := IssueToken(cfg.Secret, user, group, cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			return
		}
		c.JSON(http.StatusOK, tokenResponse{Token: token, UserID: req.UserID, GroupID: req.GroupID})
	})

	api.GET("/ws/signal", JWTAuth(cfg.Secret), func(c *gin.Context) {
		log.Info().Str("module", "relay").Str("user", c.GetString("user_id")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/rooms/:group/count", func(c *gin.Context) {
		group := domain.GroupID(c.Param("group"))
		c.JSON(http.StatusOK, gin.H{"group": group, "count": ctl.Reg.MemberCount(group)})
	})

	return r
}
