// Package httpapi serves the REST surface of the chat server: account
// registration and login, the contact list, conversation history, and the
// health and metrics endpoints. The WebSocket upgrade is mounted on the same
// router so everything shares one listener.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/linkup/social-chat/internal/auth"
	"github.com/linkup/social-chat/internal/metrics"
	"github.com/linkup/social-chat/internal/protocol"
	"github.com/linkup/social-chat/internal/ratelimit"
	"github.com/linkup/social-chat/internal/users"
)

// UserStore is the account storage surface the API needs. Satisfied by
// *users.Store.
type UserStore interface {
	Create(ctx context.Context, email, name, passwordHash string) (users.User, error)
	GetByEmail(ctx context.Context, email string) (users.User, error)
	GetByID(ctx context.Context, id int64) (users.User, error)
	Friends(ctx context.Context, userID int64) ([]users.User, error)
	AddFriend(ctx context.Context, userID, friendID int64) error
}

// HistorySource returns the stored conversation between two identities.
// Satisfied by *delivery.Router.
type HistorySource interface {
	History(a, b string) []protocol.WireMessage
}

// API holds the handler dependencies.
type API struct {
	users   UserStore
	history HistorySource
	tokens  *auth.Tokens
	limiter *ratelimit.Limiter

	online  func(identity string) bool // live presence lookup, may be nil
	upgrade http.HandlerFunc           // WebSocket upgrade handler, may be nil
	healthy func() (connections int, uptime time.Duration)
}

// Config carries the API dependencies. Online, Upgrade, and Healthy are
// optional.
type Config struct {
	Users   UserStore
	History HistorySource
	Tokens  *auth.Tokens
	Limiter *ratelimit.Limiter
	Online  func(identity string) bool
	Upgrade http.HandlerFunc
	Healthy func() (connections int, uptime time.Duration)
}

// New creates the API.
func New(cfg Config) *API {
	return &API{
		users:   cfg.Users,
		history: cfg.History,
		tokens:  cfg.Tokens,
		limiter: cfg.Limiter,
		online:  cfg.Online,
		upgrade: cfg.Upgrade,
		healthy: cfg.Healthy,
	}
}

// Router builds the chi router with all routes mounted.
func (a *API) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if a.upgrade != nil {
		r.Get("/ws", a.upgrade)
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.tokens.Middleware)
			r.Get("/user", a.handleCurrentUser)
			r.Post("/logout", a.handleLogout)
		})
	})

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(a.tokens.Middleware)
		r.Get("/contacts", a.handleContacts)
		r.Post("/contacts/{contactID}", a.handleAddContact)
		r.Get("/messages/{userID}/{contactID}", a.handleHistory)
	})

	return r
}

// userView is the JSON shape of a user in API responses. ID doubles as the
// chat identity used on the WebSocket.
type userView struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio,omitempty"`
	Location string `json:"location,omitempty"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"` // epoch millis
}

func (a *API) toView(u users.User, includePrivate bool) userView {
	status := protocol.StatusOffline
	if a.online != nil && a.online(u.Identity()) {
		status = protocol.StatusOnline
	} else if u.IsOnline {
		status = protocol.StatusOnline
	}

	v := userView{
		ID:       u.Identity(),
		Name:     u.Name,
		Avatar:   u.Avatar,
		Status:   status,
		LastSeen: u.LastSeen.UnixMilli(),
	}
	if includePrivate {
		v.Email = u.Email
		v.Bio = u.Bio
		v.Location = u.Location
	}
	return v
}

type authRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !a.allowAuthAttempt(w, r) {
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Name == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "email, name, and a password of at least 8 characters are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("httpapi: hash password: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	u, err := a.users.Create(r.Context(), req.Email, req.Name, hash)
	if errors.Is(err, users.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		log.Printf("httpapi: create user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.issueToken(w, u, http.StatusCreated)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.allowAuthAttempt(w, r) {
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := a.users.GetByEmail(r.Context(), req.Email)
	if errors.Is(err, users.ErrNotFound) || (err == nil && !auth.CheckPassword(req.Password, u.PasswordHash)) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		log.Printf("httpapi: login lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.issueToken(w, u, http.StatusOK)
}

func (a *API) issueToken(w http.ResponseWriter, u users.User, status int) {
	token, err := a.tokens.Issue(u.ID)
	if err != nil {
		log.Printf("httpapi: issue token for user=%d: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, authResponse{Token: token, User: a.toView(u, true)})
}

func (a *API) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	u, err := a.users.GetByID(r.Context(), userID)
	if errors.Is(err, users.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		log.Printf("httpapi: get user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, a.toView(u, true))
}

// handleLogout exists for client symmetry. Tokens are stateless, so there is
// nothing to revoke server-side; the client discards its copy.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleContacts(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	friends, err := a.users.Friends(r.Context(), userID)
	if err != nil {
		log.Printf("httpapi: contacts for user=%d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]userView, len(friends))
	for i, f := range friends {
		views[i] = a.toView(f, false)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAddContact links the authenticated user and the contact in both
// directions.
func (a *API) handleAddContact(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	contactID, err := strconv.ParseInt(chi.URLParam(r, "contactID"), 10, 64)
	if err != nil || contactID == userID {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	if _, err := a.users.GetByID(r.Context(), contactID); errors.Is(err, users.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such user")
		return
	} else if err != nil {
		log.Printf("httpapi: lookup contact %d: %v", contactID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.users.AddFriend(r.Context(), userID, contactID); err != nil {
		log.Printf("httpapi: add contact %d for user=%d: %v", contactID, userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory returns the conversation between userID and contactID. The
// path userID must match the token identity; asking for someone else's
// conversation is a 403.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	authedID, _ := auth.UserID(r.Context())
	pathUserID := chi.URLParam(r, "userID")
	contactID := chi.URLParam(r, "contactID")

	if pathUserID != strconv.FormatInt(authedID, 10) {
		writeError(w, http.StatusForbidden, "cannot access another user's messages")
		return
	}

	msgs := a.history.History(pathUserID, contactID)
	if msgs == nil {
		msgs = []protocol.WireMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{Status: "ok"}

	if a.healthy != nil {
		conns, uptime := a.healthy()
		resp.Connections = conns
		resp.Uptime = uptime.Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// allowAuthAttempt applies the per-IP limit on login and register attempts.
// Fails open when no limiter is configured.
func (a *API) allowAuthAttempt(w http.ResponseWriter, r *http.Request) bool {
	if a.limiter == nil {
		return true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	ok, _ := a.limiter.Allow(r.Context(), ip, ratelimit.RuleAuth)
	if !ok {
		writeError(w, http.StatusTooManyRequests, "too many attempts, slow down")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
