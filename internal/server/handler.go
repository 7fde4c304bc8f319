package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/identity"
	"github.com/afar1/ryos/internal/limiter"
	"github.com/afar1/ryos/internal/message"
	"github.com/afar1/ryos/internal/room"
	"github.com/afar1/ryos/internal/token"
)

// Handler aggregates the HTTP handlers over the injected services.
type Handler struct {
	users    *identity.Service
	tokens   *token.Manager
	rooms    *room.Registry
	messages *message.Store
	actions  *limiter.Action
}

func NewHandler(users *identity.Service, tokens *token.Manager, rooms *room.Registry,
	messages *message.Store, actions *limiter.Action) *Handler {
	return &Handler{users: users, tokens: tokens, rooms: rooms, messages: messages, actions: actions}
}

const (
	ctxUsername = "authUsername"
	ctxToken    = "authToken"
)

// credentials pulls the bearer token and the identity header off the request.
func credentials(c *gin.Context) (username, tok string) {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		tok = strings.TrimSpace(authz[7:])
	}
	username = strings.ToLower(strings.TrimSpace(c.GetHeader("X-Chat-Username")))
	return username, tok
}

// RequireAuth rejects requests without a valid (identity, token) pair.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, tok := credentials(c)
		if username == "" || tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		res, err := h.tokens.Validate(c.Request.Context(), username, tok, false)
		if err != nil {
			fail(c, err)
			c.Abort()
			return
		}
		if !res.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ctxUsername, username)
		c.Set(ctxToken, tok)
		c.Next()
	}
}

// OptionalAuth resolves credentials when present; anonymous requests pass
// through with no identity.
func (h *Handler) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, tok := credentials(c)
		if username != "" && tok != "" {
			res, err := h.tokens.Validate(c.Request.Context(), username, tok, false)
			if err == nil && res.Valid {
				c.Set(ctxUsername, username)
				c.Set(ctxToken, tok)
			}
		}
		c.Next()
	}
}

// identityMatches rejects a request whose body names a different user than
// the one the credentials authenticate. Anonymous callers pass.
func identityMatches(c *gin.Context, bodyUsername string) bool {
	auth := c.GetString(ctxUsername)
	if auth != "" && bodyUsername != "" && auth != strings.ToLower(bodyUsername) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity mismatch"})
		return false
	}
	return true
}

// fail translates a service error onto the wire. Internal errors are logged
// with their cause and masked.
func fail(c *gin.Context, err error) {
	status := apperr.Status(err)
	var ae *apperr.Error
	if errors.As(err, &ae) && status != http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": ae.Msg})
		return
	}
	log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": "internal error"})
}

// allowAction applies the generic per-action limiter used on sensitive
// endpoints, keyed by username or, absent one, the caller's address.
// Returns false after writing the 429.
func (h *Handler) allowAction(c *gin.Context, action, identifier string) bool {
	if identifier == "" {
		identifier = c.ClientIP()
	}
	if h.actions.Allow(c.Request.Context(), action, identifier) {
		return true
	}
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	return false
}

// --- rooms ---

func (h *Handler) ListRooms(c *gin.Context) {
	viewer := c.GetString(ctxUsername)
	views, err := h.rooms.ListVisible(c.Request.Context(), viewer)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": views})
}

func (h *Handler) GetRoom(c *gin.Context) {
	view, err := h.rooms.GetView(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name    string   `json:"name"`
		Type    string   `json:"type"`
		Members []string `json:"members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	requester := c.GetString(ctxUsername)
	rm, err := h.rooms.Create(c.Request.Context(), requester, req.Name, req.Type, req.Members)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rm)
}

func (h *Handler) DeleteRoom(c *gin.Context) {
	requester := c.GetString(ctxUsername)
	if err := h.rooms.Delete(c.Request.Context(), c.Param("id"), requester); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) JoinRoom(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !identityMatches(c, req.Username) {
		return
	}
	view, err := h.rooms.Join(c.Request.Context(), c.Param("id"), strings.ToLower(req.Username))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !identityMatches(c, req.Username) {
		return
	}
	if err := h.rooms.Leave(c.Request.Context(), c.Param("id"), strings.ToLower(req.Username)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) SwitchRoom(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		From     string `json:"from"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !identityMatches(c, req.Username) {
		return
	}
	view, err := h.rooms.Switch(c.Request.Context(), req.From, c.Param("id"), strings.ToLower(req.Username))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) GetRoomUsers(c *gin.Context) {
	count, active, err := h.rooms.RefreshCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": active, "count": count})
}

// --- messages ---

func (h *Handler) GetMessages(c *gin.Context) {
	msgs, err := h.messages.GetRecent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) GetBulkMessages(c *gin.Context) {
	raw := c.Query("roomIds")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomIds required"})
		return
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	byRoom, invalid, err := h.messages.GetBulk(c.Request.Context(), ids)
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{"messages": byRoom}
	if len(invalid) > 0 {
		resp["invalidRoomIds"] = invalid
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Content  string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !identityMatches(c, req.Username) {
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), c.Param("id"), req.Username, req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	requester := c.GetString(ctxUsername)
	err := h.messages.Delete(c.Request.Context(), c.Param("id"), c.Param("messageId"), requester)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- users ---

func (h *Handler) SearchUsers(c *gin.Context) {
	names, err := h.users.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": names})
}

// CreateUser registers a name and hands back a token. A taken name with a
// matching password degrades into a login rather than an error.
func (h *Handler) CreateUser(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if !h.allowAction(c, "createUser", username) {
		return
	}
	ctx := c.Request.Context()

	user, created, err := h.users.Create(ctx, username)
	if err != nil {
		fail(c, err)
		return
	}
	if !created {
		// The name is claimed, possibly by a signup that beat this one by
		// a moment. A matching password degrades into a login.
		hasPass, err := h.users.HasPassword(ctx, username)
		if err != nil {
			fail(c, err)
			return
		}
		if !hasPass || req.Password == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
			return
		}
		ok, err := h.users.VerifyPassword(ctx, username, req.Password)
		if err != nil {
			fail(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
			return
		}
		h.issueFor(c, username)
		return
	}
	if req.Password != "" {
		if err := h.users.SetPassword(ctx, username, req.Password); err != nil {
			fail(c, err)
			return
		}
	}
	tok, err := h.tokens.Issue(ctx, username)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user, "token": tok})
}

// --- auth ---

func (h *Handler) issueFor(c *gin.Context, username string) {
	tok, err := h.tokens.Issue(c.Request.Context(), username)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "token": tok})
}

// GenerateToken mints an additional token for an already authenticated user
// (a second device). Existing tokens stay valid.
func (h *Handler) GenerateToken(c *gin.Context) {
	username := c.GetString(ctxUsername)
	if !h.allowAction(c, "generateToken", username) {
		return
	}
	h.issueFor(c, username)
}

// RefreshToken exchanges a token for a fresh one. The old token may already
// be expired, as long as it is still inside the grace period.
func (h *Handler) RefreshToken(c *gin.Context) {
	username, oldToken := credentials(c)
	if username == "" || oldToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if !h.allowAction(c, "refreshToken", username) {
		return
	}
	tok, err := h.tokens.Refresh(c.Request.Context(), username, oldToken)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "token": tok})
}

func (h *Handler) AuthenticateWithPassword(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if !h.allowAction(c, "authPassword", username) {
		return
	}
	ok, err := h.users.VerifyPassword(c.Request.Context(), username, req.Password)
	if err != nil && apperr.KindOf(err) != apperr.NotFound {
		fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	h.issueFor(c, username)
}

func (h *Handler) SetPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	username := c.GetString(ctxUsername)
	if !h.allowAction(c, "setPassword", username) {
		return
	}
	if err := h.users.SetPassword(c.Request.Context(), username, req.Password); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) ListTokens(c *gin.Context) {
	username := c.GetString(ctxUsername)
	sessions, err := h.tokens.List(c.Request.Context(), username)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(sessions), "sessions": sessions})
}

func (h *Handler) LogoutCurrent(c *gin.Context) {
	if err := h.tokens.Revoke(c.Request.Context(), c.GetString(ctxToken)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) LogoutAllDevices(c *gin.Context) {
	username := c.GetString(ctxUsername)
	if !h.allowAction(c, "logoutAll", username) {
		return
	}
	count, err := h.tokens.RevokeAll(c.Request.Context(), username)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "revoked": count})
}
