// Package api serves the REST endpoints the chat client uses next to the
// WebSocket relay: accounts, the user directory, chats and message history.
package api

import (
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/store"
)

// AvatarColors is the palette new users get a color from.
var AvatarColors = []string{"#3390ec", "#4caf50", "#ff9800", "#e91e63", "#9c27b0", "#00bcd4"}

const minUsernameLen = 3

// OnlineChecker answers whether a user currently has a live connection.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// Handler implements the REST endpoints on top of a store gateway.
type Handler struct {
	store  store.Gateway
	online OnlineChecker
	pick   func(n int) int
}

// NewHandler creates a Handler. online may be nil, in which case every user
// is reported offline.
func NewHandler(gw store.Gateway, online OnlineChecker) *Handler {
	return &Handler{store: gw, online: online, pick: rand.Intn}
}

// Register mounts every endpoint under /api on r.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/api")
	g.POST("/register", h.register)
	g.POST("/login", h.login)
	g.GET("/users", h.listUsers)
	g.POST("/chats", h.openChat)
	g.GET("/chats/:userId", h.listChats)
	g.POST("/chats/:chatId/read", h.markRead)
	g.GET("/messages/:chatId", h.listMessages)
	g.GET("/chat-participants/:chatId", h.listParticipants)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < minUsernameLen || req.Password == "" {
		fail(c, http.StatusBadRequest, "Username must be at least 3 characters")
		return
	}

	color := AvatarColors[h.pick(len(AvatarColors))]
	u, err := h.store.CreateUser(c.Request.Context(), req.Username, req.Password, color)
	if errors.Is(err, store.ErrUsernameTaken) {
		fail(c, http.StatusBadRequest, "Username already taken")
		return
	}
	if err != nil {
		logger.Error("Registration failed", zap.String("username", req.Username), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Registration failed")
		return
	}

	logger.Info("User registered", zap.String("user", u.ID), zap.String("username", u.Username))
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": u.ID, "username": u.Username})
}

func (h *Handler) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	u, err := h.store.FindUserByCredentials(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, store.ErrInvalidCredentials) {
		fail(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		logger.Error("Login failed", zap.String("username", req.Username), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Login failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"userId":      u.ID,
		"username":    u.Username,
		"avatarColor": u.AvatarColor,
	})
}

type userStatus struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	AvatarColor string `json:"avatar_color"`
	Online      bool   `json:"online"`
}

func (h *Handler) withStatus(users []store.User) []userStatus {
	out := make([]userStatus, 0, len(users))
	for _, u := range users {
		out = append(out, userStatus{ID: u.ID, Username: u.Username, AvatarColor: u.AvatarColor, Online: h.isOnline(u.ID)})
	}
	return out
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.store.ListUsers(c.Request.Context())
	if err != nil {
		logger.Error("Failed to fetch users", zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to fetch users")
		return
	}
	c.JSON(http.StatusOK, h.withStatus(users))
}

type openChatRequest struct {
	UserID1 string `json:"userId1"`
	UserID2 string `json:"userId2"`
}

// openChat returns the private chat of the pair, creating it when needed.
func (h *Handler) openChat(c *gin.Context) {
	var req openChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID1 == "" || req.UserID2 == "" {
		fail(c, http.StatusBadRequest, "userId1 and userId2 are required")
		return
	}
	ctx := c.Request.Context()

	existing, err := h.store.FindExistingPrivateChat(ctx, req.UserID1, req.UserID2)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"chatId": existing.ID, "existing": true})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Error("Failed to look up chat", zap.String("user1", req.UserID1), zap.String("user2", req.UserID2), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to create chat")
		return
	}

	other, err := h.store.FindUserByID(ctx, req.UserID2)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		logger.Error("Failed to look up user", zap.String("user", req.UserID2), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to create chat")
		return
	}

	chat, err := h.store.CreateChat(ctx, other.Username, store.ChatPrivate, req.UserID1, req.UserID2)
	if err != nil {
		logger.Error("Failed to create chat", zap.String("user1", req.UserID1), zap.String("user2", req.UserID2), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": chat.ID, "existing": false})
}

type participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	AvatarColor string `json:"avatarColor"`
	Online      bool   `json:"online"`
}

type chatListing struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Type            string       `json:"type"`
	LastMessage     *string      `json:"last_message"`
	LastMessageTime *time.Time   `json:"last_message_time"`
	UnreadCount     int          `json:"unread_count"`
	Participant     *participant `json:"participant,omitempty"`
}

func (h *Handler) listChats(c *gin.Context) {
	userID := c.Param("userId")
	chats, err := h.store.ListChatsForUser(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to fetch chats", zap.String("user", userID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to fetch chats")
		return
	}

	out := make([]chatListing, 0, len(chats))
	for _, ch := range chats {
		l := chatListing{
			ID:              ch.ID,
			Name:            ch.Name,
			Type:            ch.Type,
			LastMessage:     ch.LastMessage,
			LastMessageTime: ch.LastMessageTime,
			UnreadCount:     ch.UnreadCount,
		}
		if p := ch.Participant; p != nil {
			l.Participant = &participant{ID: p.ID, Username: p.Username, AvatarColor: p.AvatarColor, Online: h.isOnline(p.ID)}
		}
		out = append(out, l)
	}
	c.JSON(http.StatusOK, out)
}

type markReadRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) markRead(c *gin.Context) {
	chatID := c.Param("chatId")
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		fail(c, http.StatusBadRequest, "userId is required")
		return
	}

	n, err := h.store.MarkRead(c.Request.Context(), chatID, req.UserID)
	if err != nil {
		logger.Error("Failed to mark chat read", zap.String("chat", chatID), zap.String("user", req.UserID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to mark chat read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "marked": n})
}

func (h *Handler) listMessages(c *gin.Context) {
	chatID := c.Param("chatId")
	msgs, err := h.store.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		logger.Error("Failed to fetch messages", zap.String("chat", chatID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) listParticipants(c *gin.Context) {
	chatID := c.Param("chatId")
	users, err := h.store.ListParticipants(c.Request.Context(), chatID)
	if err != nil {
		logger.Error("Failed to fetch participants", zap.String("chat", chatID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to fetch participants")
		return
	}
	c.JSON(http.StatusOK, h.withStatus(users))
}

func (h *Handler) isOnline(userID string) bool {
	return h.online != nil && h.online.IsOnline(userID)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
