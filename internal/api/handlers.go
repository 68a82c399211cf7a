package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"memorychat/internal/auth"
	"memorychat/internal/models"
	"memorychat/internal/observability"
	"memorychat/internal/protocol"
	"memorychat/internal/service/history"
	"memorychat/internal/session"
)

// MessageHandler runs inbound chat messages for a session.
type MessageHandler interface {
	Submit(s *session.Session, msg protocol.ClientMessage, out session.Emitter) error
}

// Options tunes the optional parts of the HTTP surface.
type Options struct {
	AllowedOrigins []string
	DevTokens      bool
	Metrics        *observability.Metrics
	// Health reports whether backing stores are reachable.
	Health func(ctx context.Context) error
}

// Handler wires HTTP routes and the chat socket to the services.
type Handler struct {
	history  *history.Service
	auth     *auth.Service
	sessions *session.Manager
	chat     MessageHandler
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(hist *history.Service, authService *auth.Service, sessions *session.Manager, chat MessageHandler, opts Options) *Handler {
	return &Handler{
		history:  hist,
		auth:     authService,
		sessions: sessions,
		chat:     chat,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.serveWS)
	router.GET("/healthz", h.healthz)
	if h.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.opts.Metrics.Handler()))
	}

	api := router.Group("/api")
	if h.opts.DevTokens {
		api.POST("/dev/token", h.devToken)
	}
	chats := api.Group("/chats")
	chats.Use(h.auth.Middleware())
	chats.POST("", h.createChat)
	chats.GET("", h.listChats)
	chats.GET("/:id/messages", h.chatMessages)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

func (h *Handler) createChat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	// an empty body creates an untitled chat
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	chat, err := h.history.CreateChat(c.Request.Context(), userID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) listChats(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chats, err := h.history.ListChats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if chats == nil {
		chats = make([]models.Chat, 0)
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) chatMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	chatID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	ctx := c.Request.Context()
	if err := h.history.ChatOwnedBy(ctx, userID, chatID); err != nil {
		if errors.Is(err, history.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	turns, err := h.history.ListTurns(ctx, chatID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = make([]*models.Turn, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":  chatID,
		"messages": turns,
	})
}

// devToken mints a token for a username, creating the user on first use.
// Only routed when auth.dev_tokens is enabled.
func (h *Handler) devToken(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}
	user, err := h.history.EnsureUser(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	token, err := h.auth.IssueToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookie(c, token)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": token,
	})
}

func (h *Handler) healthz(c *gin.Context) {
	if h.opts.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Health(ctx); err != nil {
			log.WithError(err).Warn("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.sessions.Count(),
	})
}

func (h *Handler) setAuthCookie(c *gin.Context, authToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.auth.CookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
