package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"blockquery/internal/auth"
	"blockquery/internal/inference"
	"blockquery/internal/service/chat"
	"blockquery/internal/session"
)

// Handler wires HTTP routes to the chat gateway, the inference client, and the
// per-identity session controllers.
type Handler struct {
	chats     *chat.Service
	auth      *auth.Service
	inference *inference.Client
	sessions  *session.Manager
}

// NewHandler constructs a Handler instance.
func NewHandler(chatService *chat.Service, authService *auth.Service, inferenceClient *inference.Client, sessions *session.Manager) *Handler {
	return &Handler{
		chats:     chatService,
		auth:      authService,
		inference: inferenceClient,
		sessions:  sessions,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api", RequestID())
	api.GET("/status", h.serverStatus)
	api.GET("/models", h.listModels)
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	// GET /chats authenticates inside the handler so unauthenticated callers
	// get a soft 401 the UI can render instead of a blocking error.
	api.GET("/chats", h.listChats)

	secured := api.Group("", h.auth.Middleware(), h.auth.CSRFMiddleware())
	secured.POST("/chats", h.createChat)
	secured.DELETE("/chats/:chat_id", h.deleteChat)
	secured.POST("/chats/:chat_id/messages", h.appendMessages)
	secured.GET("/chats/:chat_id/messages", h.getChatMessages)
	secured.POST("/turn", h.submitTurn)
	secured.POST("/logout", h.logoutUser)
}

func (h *Handler) authorizedIdentity(c *gin.Context) (string, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return identity, true
}

func chatIDParam(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}

// User create & login interface.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	h.sessions.Reset(identity)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type createChatRequest struct {
	Title        string                 `json:"title"`
	FirstMessage string                 `json:"firstMessage"`
	ModelUsed    string                 `json:"modelUsed"`
	Answers      []chat.IncomingMessage `json:"answers"`
}

func (h *Handler) createChat(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.FirstMessage == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "firstMessage is required"})
		return
	}
	created, err := h.chats.CreateChat(c.Request.Context(), identity, req.Title, req.FirstMessage, req.ModelUsed, req.Answers)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		return
	}
	c.JSON(http.StatusOK, created)
}

func (h *Handler) listChats(c *gin.Context) {
	identity, _, err := h.auth.Authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "Unauthorized",
			"message": "Please sign in to view your chats",
			"chats":   []struct{}{},
		})
		return
	}
	chats, err := h.chats.ListChats(c.Request.Context(), identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch chats"})
		return
	}
	c.JSON(http.StatusOK, chats)
}

func (h *Handler) deleteChat(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	if err := h.chats.DeleteChat(c.Request.Context(), identity, chatID); err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		case errors.Is(err, chat.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "chat belongs to another user"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "failed to delete chat",
				"details": err.Error(),
			})
		}
		return
	}
	h.sessions.Reset(identity)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Chat deleted successfully",
	})
}

type appendMessagesRequest struct {
	UserMessage  chat.IncomingMessage   `json:"userMessage"`
	BotResponses []chat.IncomingMessage `json:"botResponses"`
}

func (h *Handler) appendMessages(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req appendMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserMessage.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userMessage content is required"})
		return
	}
	created, err := h.chats.AppendMessages(c.Request.Context(), identity, chatID, req.UserMessage, req.BotResponses)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": created})
}

func (h *Handler) getChatMessages(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	chatRecord, messages, err := h.chats.GetChatWithMessages(c.Request.Context(), identity, chatID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch chat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":     chatRecord,
		"messages": messages,
	})
}

type turnRequest struct {
	ChatID   int64    `json:"chat_id"`
	Question string   `json:"question"`
	Models   []string `json:"models"`
}

func (h *Handler) submitTurn(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ChatID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	ctrl := h.sessions.ForIdentity(identity)
	if err := ctrl.SwitchActiveChat(c.Request.Context(), req.ChatID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return
	}
	if req.ChatID > 0 {
		if view, _, _ := ctrl.Snapshot(); view == session.ViewNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
	}

	result, err := ctrl.Submit(c.Request.Context(), req.Question, req.Models)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyQuestion):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, session.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, inference.ErrInference):
			c.JSON(http.StatusBadGateway, gin.H{"error": "inference service failed, please retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save conversation"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":      result.ChatID,
		"created":      result.Created,
		"user_message": result.UserMessage,
		"bot_messages": result.BotMessages,
		"persisted":    result.Persisted,
	})
}

func (h *Handler) serverStatus(c *gin.Context) {
	available := h.inference.CheckAvailability(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"available": available})
}

func (h *Handler) listModels(c *gin.Context) {
	catalog, err := h.inference.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "inference service unavailable"})
		return
	}
	c.JSON(http.StatusOK, catalog)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
