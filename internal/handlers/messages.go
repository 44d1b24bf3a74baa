package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/hamsokhan/internal/auth"
	"github.com/4xmen/hamsokhan/internal/models"
	"github.com/4xmen/hamsokhan/internal/push"
	"github.com/4xmen/hamsokhan/internal/store"
)

// OnlineChecker reports whether a user has a live connection.
type OnlineChecker interface {
	IsOnline(userID int64) bool
}

type MessageHandler struct {
	store    store.MessageStore
	authSvc  *auth.Service
	online   OnlineChecker
	notifier *push.Notifier
}

func NewMessageHandler(st store.MessageStore, authSvc *auth.Service, online OnlineChecker, notifier *push.Notifier) *MessageHandler {
	return &MessageHandler{store: st, authSvc: authSvc, online: online, notifier: notifier}
}

// History returns every message between the caller and :userId, oldest first
func (h *MessageHandler) History(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	otherID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || otherID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid user id")})
		return
	}

	messages, err := h.store.Query(c.Request.Context(), user.ID, otherID)
	if err != nil {
		log.Printf("history %d<->%d: %v", user.ID, otherID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to fetch messages")})
		return
	}

	c.JSON(http.StatusOK, messages)
}

type Person struct {
	ID       int64  `json:"_id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// People lists every registered user with their current presence
func (h *MessageHandler) People(c *gin.Context) {
	users, err := h.authSvc.Users(c.Request.Context())
	if err != nil {
		log.Printf("list users: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to fetch users")})
		return
	}

	people := make([]Person, 0, len(users))
	for _, u := range users {
		p := Person{ID: u.ID, Username: u.Username}
		if h.online != nil {
			p.Online = h.online.IsOnline(u.ID)
		}
		people = append(people, p)
	}
	c.JSON(http.StatusOK, people)
}

// PushKey exposes the VAPID public key the browser subscribes with
func (h *MessageHandler) PushKey(c *gin.Context) {
	if h.notifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": __("push notifications disabled")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.notifier.VAPIDPublicKey()})
}

// SubscribeRequest mirrors the browser's PushSubscription.toJSON().
type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

func (h *MessageHandler) PushSubscribe(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}
	if h.notifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": __("push notifications disabled")})
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	err := h.notifier.Subscribe(c.Request.Context(), models.PushSubscription{
		UserID:   user.ID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
			return
		}
		log.Printf("push subscribe for user %d: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to save subscription")})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}
