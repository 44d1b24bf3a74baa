package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/hamsokhan/internal/auth"
	"github.com/4xmen/hamsokhan/internal/db"
	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/models"
	"github.com/4xmen/hamsokhan/internal/push"
	"github.com/4xmen/hamsokhan/internal/store"
)

type fakeOnline map[int64]bool

func (f fakeOnline) IsOnline(userID int64) bool { return f[userID] }

type testServer struct {
	router  *gin.Engine
	authSvc *auth.Service
	store   *store.SQLiteStore
	online  fakeOnline
}

func setupTestServer(t *testing.T, withPush bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	authSvc := auth.New(database.GetConn(), auth.NewTokenCodec("test-jwt-secret"))
	st := store.NewSQLiteStore(database.GetConn())
	online := fakeOnline{}

	var notifier *push.Notifier
	if withPush {
		notifier = push.NewNotifier(database.GetConn(), "test-public-key", "test-private-key", logging.Nop())
	}

	authHandler := NewAuthHandler(authSvc)
	msgHandler := NewMessageHandler(st, authSvc, online, notifier)

	router := gin.New()
	api := router.Group("/api")
	{
		api.POST("/register", authHandler.Register)
		api.POST("/login", authHandler.Login)
		api.POST("/logout", authHandler.Logout)
		api.GET("/push/key", msgHandler.PushKey)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/profile", authHandler.Profile)
		protected.GET("/messages/:userId", msgHandler.History)
		protected.GET("/people", msgHandler.People)
		protected.POST("/push/subscribe", msgHandler.PushSubscribe)
	}

	return &testServer{router: router, authSvc: authSvc, store: st, online: online}
}

func (s *testServer) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func tokenCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName {
			return c
		}
	}
	t.Fatal("response did not set the token cookie")
	return nil
}

func (s *testServer) register(t *testing.T, username string) (*models.User, *http.Cookie) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/register", map[string]string{"username": username, "password": "password123"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", username, w.Code, w.Body.String())
	}
	var resp AuthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return &models.User{ID: resp.ID, Username: resp.Username}, tokenCookie(t, w)
}

func TestRegister(t *testing.T) {
	s := setupTestServer(t, false)

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"valid registration", map[string]string{"username": "testuser", "password": "password123"}, http.StatusCreated},
		{"duplicate username", map[string]string{"username": "testuser", "password": "password123"}, http.StatusConflict},
		{"short username", map[string]string{"username": "ab", "password": "password123"}, http.StatusBadRequest},
		{"short password", map[string]string{"username": "newuser", "password": "12345"}, http.StatusBadRequest},
		{"invalid username characters", map[string]string{"username": "test@user", "password": "password123"}, http.StatusBadRequest},
		{"missing password", map[string]string{"username": "newuser"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/register", tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("Register() status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}

			var resp map[string]any
			json.Unmarshal(w.Body.Bytes(), &resp)
			if tt.wantStatus != http.StatusCreated {
				if _, ok := resp["error"]; !ok {
					t.Fatal("expected error response")
				}
				return
			}

			if resp["id"] == nil || resp["username"] != "testuser" {
				t.Fatalf("unexpected response %v", resp)
			}
			cookie := tokenCookie(t, w)
			if !cookie.Secure || cookie.SameSite != http.SameSiteNoneMode {
				t.Fatalf("cookie must be Secure with SameSite=None, got %+v", cookie)
			}
		})
	}
}

func TestRegisterErrorsAreTranslated(t *testing.T) {
	s := setupTestServer(t, false)
	w := s.do(t, http.MethodPost, "/api/register", map[string]string{"username": "ab", "password": "password123"}, nil)

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد" {
		t.Fatalf("error = %q", resp["error"])
	}
}

func TestLogin(t *testing.T) {
	s := setupTestServer(t, false)
	user, _ := s.register(t, "loginuser")

	tests := []struct {
		name       string
		password   string
		wantStatus int
	}{
		{"valid", "password123", http.StatusOK},
		{"wrong password", "nope-nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/login", map[string]string{"username": "loginuser", "password": tt.password}, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("Login() status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp AuthResponse
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.ID != user.ID {
				t.Fatalf("id = %d, want %d", resp.ID, user.ID)
			}
			tokenCookie(t, w)
		})
	}

	w := s.do(t, http.MethodPost, "/api/login", map[string]string{"username": "ghost", "password": "password123"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d, want 401", w.Code)
	}
}

func TestProfileAndLogout(t *testing.T) {
	s := setupTestServer(t, false)
	user, cookie := s.register(t, "alice")

	w := s.do(t, http.MethodGet, "/api/profile", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("profile status = %d", w.Code)
	}
	var resp struct {
		UserID   int64  `json:"userId"`
		Username string `json:"username"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.UserID != user.ID || resp.Username != "alice" {
		t.Fatalf("profile = %+v", resp)
	}

	w = s.do(t, http.MethodGet, "/api/profile", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous profile status = %d, want 401", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/profile", nil, &http.Cookie{Name: auth.CookieName, Value: "garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token profile status = %d, want 401", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/logout", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d", w.Code)
	}
	if cleared := tokenCookie(t, w); cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Fatalf("logout did not clear cookie: %+v", cleared)
	}
}

func TestAuthMiddlewareRejectsDeletedUser(t *testing.T) {
	s := setupTestServer(t, false)
	token, err := s.authSvc.Codec().Issue(999, "ghost")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := s.do(t, http.MethodGet, "/api/profile", nil, &http.Cookie{Name: auth.CookieName, Value: token})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHistory(t *testing.T) {
	s := setupTestServer(t, false)
	alice, aliceCookie := s.register(t, "alice")
	bob, _ := s.register(t, "bob")
	carol, _ := s.register(t, "carol")

	ctx := context.Background()
	base := time.Now()
	for i, m := range []*models.Message{
		{Sender: alice.ID, Recipient: bob.ID, Text: "hi", CreatedAt: base},
		{Sender: bob.ID, Recipient: alice.ID, Text: "yo", CreatedAt: base.Add(time.Second)},
		{Sender: carol.ID, Recipient: alice.ID, Text: "unrelated", CreatedAt: base.Add(2 * time.Second)},
	} {
		if _, err := s.store.Append(ctx, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	w := s.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(bob.ID, 10), nil, aliceCookie)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var history []models.Message
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[0].Text != "hi" || history[1].Text != "yo" {
		t.Fatalf("history = %+v", history)
	}

	w = s.do(t, http.MethodGet, "/api/messages/not-a-number", nil, aliceCookie)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status = %d, want 400", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(bob.ID, 10), nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous history status = %d, want 401", w.Code)
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	s := setupTestServer(t, false)
	_, cookie := s.register(t, "alice")
	bob, _ := s.register(t, "bob")

	w := s.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(bob.ID, 10), nil, cookie)
	if w.Body.String() != "[]" {
		t.Fatalf("body = %s, want []", w.Body.String())
	}
}

func TestPeople(t *testing.T) {
	s := setupTestServer(t, false)
	_, cookie := s.register(t, "bob")
	alice, _ := s.register(t, "alice")
	s.online[alice.ID] = true

	w := s.do(t, http.MethodGet, "/api/people", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("people status = %d", w.Code)
	}
	var people []Person
	json.Unmarshal(w.Body.Bytes(), &people)
	if len(people) != 2 {
		t.Fatalf("people = %+v", people)
	}
	if people[0].Username != "alice" || !people[0].Online {
		t.Fatalf("first person = %+v, want online alice", people[0])
	}
	if people[1].Username != "bob" || people[1].Online {
		t.Fatalf("second person = %+v, want offline bob", people[1])
	}
}

func TestPush(t *testing.T) {
	disabled := setupTestServer(t, false)
	if w := disabled.do(t, http.MethodGet, "/api/push/key", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("disabled key status = %d, want 404", w.Code)
	}

	s := setupTestServer(t, true)
	_, cookie := s.register(t, "alice")

	w := s.do(t, http.MethodGet, "/api/push/key", nil, nil)
	var key map[string]string
	json.Unmarshal(w.Body.Bytes(), &key)
	if w.Code != http.StatusOK || key["publicKey"] != "test-public-key" {
		t.Fatalf("key status = %d body %s", w.Code, w.Body.String())
	}

	sub := map[string]any{
		"endpoint": "https://push.example/abc",
		"keys":     map[string]string{"p256dh": "k", "auth": "a"},
	}
	if w := s.do(t, http.MethodPost, "/api/push/subscribe", sub, cookie); w.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d body %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/api/push/subscribe", map[string]any{"endpoint": "x"}, cookie); w.Code != http.StatusBadRequest {
		t.Fatalf("incomplete subscribe status = %d, want 400", w.Code)
	}
}
