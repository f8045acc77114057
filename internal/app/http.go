package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"lumen/api/internal/auth"
	"lumen/api/internal/authpw"
	"lumen/api/internal/backend"
	"lumen/api/internal/identity"
	"lumen/api/internal/model"
	"lumen/api/internal/rbac"
	"lumen/api/internal/toast"
)

// Accounts performs the operations that need credentials or write
// access to the backend. It is optional; without it the routes that
// need it answer 503.
type Accounts interface {
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)
	SignUp(ctx context.Context, email, password, displayName string) (*model.Identity, error)
	UpdateProfile(ctx context.Context, profile model.Profile) (*model.Profile, error)
	CreateNotification(ctx context.Context, record model.NotificationRecord) (model.NotificationRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPConfig struct {
	Client   *Client
	Accounts Accounts
	// Checks are reported by /api/ready, keyed by dependency name.
	Checks          map[string]Pinger
	CORSOrigin      string
	SignOutRedirect string
}

type HTTPServer struct {
	client          *Client
	accounts        Accounts
	checks          map[string]Pinger
	corsOrigin      string
	signOutRedirect string
}

func NewHTTPServer(cfg HTTPConfig) *HTTPServer {
	return &HTTPServer{
		client:          cfg.Client,
		accounts:        cfg.Accounts,
		checks:          cfg.Checks,
		corsOrigin:      cfg.CORSOrigin,
		signOutRedirect: cfg.SignOutRedirect,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router())
}

func (s *HTTPServer) router() *mux.Router {
	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/session/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/api/session/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/api/session/signout", s.handleSignOut).Methods(http.MethodPost)
	r.HandleFunc("/api/session/refresh-profile", s.handleRefreshProfile).Methods(http.MethodPost)
	r.HandleFunc("/api/session/refresh-role", s.handleRefreshRole).Methods(http.MethodPost)
	r.HandleFunc("/api/profile", s.handleUpdateProfile).Methods(http.MethodPut)

	r.HandleFunc("/api/notifications", s.handleNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications", s.handleCreateNotification).Methods(http.MethodPost)
	r.HandleFunc("/api/notifications/unread-count", s.handleUnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/read-all", s.handleMarkAllRead).Methods(http.MethodPost)
	r.HandleFunc("/api/notifications/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/api/notifications/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/api/notifications/feed/holders", s.handleMountFeed).Methods(http.MethodPost)
	r.HandleFunc("/api/notifications/feed/holders/{holder}", s.handleUnmountFeed).Methods(http.MethodDelete)

	r.HandleFunc("/api/toasts", s.handleToasts).Methods(http.MethodGet)
	r.HandleFunc("/api/toasts", s.handleEnqueueToast).Methods(http.MethodPost)
	r.HandleFunc("/api/toasts/{id}", s.handleDismissToast).Methods(http.MethodDelete)

	r.HandleFunc("/api/activity", s.handleActivity).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionPayload(s.client.Session()))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	who, err := s.accounts.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		s.fail(w, err)
		return
	}
	if err := s.client.SignedIn(r.Context(), who); err != nil {
		log.Printf("app: resolve session after sign-in: %v", err)
	}
	writeJSON(w, http.StatusOK, sessionPayload(s.client.Session()))
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	who, err := s.accounts.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		case errors.Is(err, authpw.ErrInvalidInput):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		default:
			s.fail(w, err)
		}
		return
	}
	if err := s.client.SignedIn(r.Context(), who); err != nil {
		log.Printf("app: resolve session after sign-up: %v", err)
	}
	writeJSON(w, http.StatusCreated, sessionPayload(s.client.Session()))
}

// handleSignOut always answers with the redirect target; a backend
// failure is reported alongside it.
func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	redirect := ""
	err := s.client.SignOut(r.Context(), func() { redirect = s.signOutRedirect })
	response := map[string]any{
		"ok":       err == nil,
		"redirect": redirect,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleRefreshProfile(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w); !ok {
		return
	}
	profile, err := s.client.RefreshProfile(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

func (s *HTTPServer) handleRefreshRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w); !ok {
		return
	}
	role, err := s.client.RefreshRole(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role})
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	state, ok := s.requireSession(w)
	if !ok || !s.requireAccounts(w) {
		return
	}
	var body struct {
		DisplayName string `json:"displayName"`
		Phone       string `json:"phone"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.DisplayName) == "" {
		s.fail(w, validationError("displayName is required"))
		return
	}

	profile := model.Profile{IdentityID: state.Identity.ID, Email: state.Identity.Email}
	if state.Profile != nil {
		profile = *state.Profile
	}
	profile.DisplayName = strings.TrimSpace(body.DisplayName)
	profile.Phone = strings.TrimSpace(body.Phone)
	profile.AvatarURL = strings.TrimSpace(body.AvatarURL)

	updated, err := s.accounts.UpdateProfile(r.Context(), profile)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": updated})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	snapshot := s.client.Notifications()
	if snapshot.Items == nil {
		snapshot.Items = []model.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       snapshot.Items,
		"unreadCount": snapshot.UnreadCount,
		"loading":     snapshot.Loading,
	})
}

func (s *HTTPServer) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"unreadCount": s.client.UnreadCount()})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w); !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.client.MarkRead(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "unreadCount": s.client.UnreadCount()})
}

func (s *HTTPServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w); !ok {
		return
	}
	if err := s.client.MarkAllRead(r.Context()); err != nil {
		status, code, message, _ := mapError(err)
		writeError(w, status, code, message, map[string]any{"unreadCount": s.client.UnreadCount()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "unreadCount": s.client.UnreadCount()})
}

func (s *HTTPServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w); !ok {
		return
	}
	if err := s.client.Reload(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.handleNotifications(w, r)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	items := s.client.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if items == nil {
		items = []model.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleMountFeed is called by a surface that needs live notifications;
// the feed stays open until its last holder unmounts or the session ends.
func (s *HTTPServer) handleMountFeed(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w); !ok {
		return
	}
	holder, err := s.client.MountFeed(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"holder": holder, "feed": s.client.Feed()})
}

func (s *HTTPServer) handleUnmountFeed(w http.ResponseWriter, r *http.Request) {
	s.client.UnmountFeed(r.Context(), mux.Vars(r)["holder"])
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feed": s.client.Feed()})
}

func (s *HTTPServer) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	state, ok := s.requireSession(w)
	if !ok || !s.requireAccounts(w) {
		return
	}
	if !s.client.Can(rbac.ActionManageNotifications) {
		s.fail(w, errForbidden)
		return
	}
	var body struct {
		IdentityID string        `json:"identityId"`
		Title      string        `json:"title"`
		Message    string        `json:"message"`
		Severity   string        `json:"severity"`
		Action     *model.Action `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		s.fail(w, validationError("title is required"))
		return
	}
	if strings.TrimSpace(body.IdentityID) == "" {
		body.IdentityID = state.Identity.ID
	}

	created, err := s.accounts.CreateNotification(r.Context(), model.NotificationRecord{
		IdentityID: body.IdentityID,
		Title:      strings.TrimSpace(body.Title),
		Message:    body.Message,
		Severity:   model.NormalizeSeverity(body.Severity),
		Action:     body.Action,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"notification": created})
}

func (s *HTTPServer) handleToasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.client.Toasts()})
}

func (s *HTTPServer) handleEnqueueToast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Severity   string `json:"severity"`
		Title      string `json:"title"`
		Message    string `json:"message"`
		DurationMS int64  `json:"durationMs"`
		Persistent bool   `json:"persistent"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		s.fail(w, validationError("title is required"))
		return
	}
	item := s.client.Enqueue(toast.Item{
		Severity:   model.NormalizeSeverity(body.Severity),
		Title:      strings.TrimSpace(body.Title),
		Message:    body.Message,
		Duration:   time.Duration(body.DurationMS) * time.Millisecond,
		Persistent: body.Persistent,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"toast": item})
}

func (s *HTTPServer) handleDismissToast(w http.ResponseWriter, r *http.Request) {
	if !s.client.Dismiss(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Toast not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	operations := s.client.Activity()
	busy := false
	for _, active := range operations {
		busy = busy || active
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"busy":       busy,
		"operations": operations,
		"feed":       s.client.Feed(),
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter) (identity.State, bool) {
	state := s.client.Session()
	if state.Status != identity.StatusAuthenticated || state.Identity == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return identity.State{}, false
	}
	return state, true
}

func (s *HTTPServer) requireAccounts(w http.ResponseWriter) bool {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

func sessionPayload(state identity.State) map[string]any {
	return map[string]any{
		"status":        state.Status,
		"authenticated": state.Status == identity.StatusAuthenticated,
		"identity":      state.Identity,
		"profile":       state.Profile,
		"role":          state.Role,
		"loading":       state.Loading,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, identity.ErrSignedOut):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, backend.ErrStaleCompletion):
		return http.StatusConflict, "STALE_COMPLETION", "Superseded by a newer session", nil
	case errors.Is(err, backend.ErrTimeout):
		return http.StatusGatewayTimeout, "BACKEND_TIMEOUT", "Backend did not answer in time", nil
	case errors.Is(err, backend.ErrNetwork):
		return http.StatusBadGateway, "BACKEND_UNAVAILABLE", "Backend unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
