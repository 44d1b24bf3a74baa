package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/hamsokhan/internal/auth"
	"github.com/4xmen/hamsokhan/internal/models"
)

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// setTokenCookie sets the cookie the WebSocket handshake authenticates with.
// SameSite=None lets a frontend on another origin send it.
func setTokenCookie(c *gin.Context, token string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// Register creates a new user account and logs it in
func (h *AuthHandler) Register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	user, token, err := h.authSvc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": __(err.Error())})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": __(err.Error())})
		return
	}

	setTokenCookie(c, token, 0)
	c.JSON(http.StatusCreated, AuthResponse{ID: user.ID, Username: user.Username, Token: token})
}

// Login checks the password and sets a fresh token cookie
func (h *AuthHandler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	user, token, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": __(err.Error())})
			return
		}
		log.Printf("login failed for %q: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
		return
	}

	setTokenCookie(c, token, 0)
	c.JSON(http.StatusOK, AuthResponse{ID: user.ID, Username: user.Username, Token: token})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	setTokenCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Profile returns the identity carried by the caller's token
func (h *AuthHandler) Profile(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": user.ID, "username": user.Username})
}

// AuthMiddleware validates the token cookie (or bearer header) and stores
// the caller in the gin context.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := h.authSvc.Codec().Verify(auth.TokenFromRequest(c.Request))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing authorization token"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": __(msg)})
			return
		}

		exists, err := h.authSvc.UserExists(c.Request.Context(), identity.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("failed to validate user")})
			return
		}
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": __("user not found")})
			return
		}

		c.Set("user_id", identity.UserID)
		c.Set("username", identity.Username)
		c.Next()
	}
}

func currentUser(c *gin.Context) (models.User, bool) {
	id, ok := c.Get("user_id")
	if !ok {
		return models.User{}, false
	}
	userID, ok := id.(int64)
	if !ok || userID <= 0 {
		return models.User{}, false
	}
	return models.User{ID: userID, Username: c.GetString("username")}, true
}
