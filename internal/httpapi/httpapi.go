package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/service"
	"costbook/backend/internal/store"
)

var (
	anyRole      = []string{domain.RoleOwner, domain.RoleManager, domain.RoleStaff}
	managerRoles = []string{domain.RoleOwner, domain.RoleManager}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Get("/api/v1/stores", a.requireAuth(a.handleListStores, anyRole...))
	r.Get("/api/v1/users/staff", a.requireAuth(a.handleListStaff, domain.RoleOwner))
	r.Post("/api/v1/users/staff", a.requireAuth(a.handleCreateStaff, domain.RoleOwner))

	r.Route("/api/v1/stores/{storeID}", func(r chi.Router) {
		r.Get("/settings", a.requireAuth(a.handleGetSettings, anyRole...))
		r.Patch("/settings", a.requireAuth(a.handleUpdateSettings, managerRoles...))

		r.Get("/categories", a.requireAuth(a.handleListCategories, anyRole...))
		r.Post("/categories", a.requireAuth(a.handleCreateCategory, managerRoles...))

		r.Get("/ingredients", a.requireAuth(a.handleListIngredients, anyRole...))
		r.Post("/ingredients", a.requireAuth(a.handleCreateIngredient, managerRoles...))
		r.Get("/ingredients/{ingredientID}", a.requireAuth(a.handleGetIngredient, anyRole...))
		r.Patch("/ingredients/{ingredientID}", a.requireAuth(a.handleUpdateIngredient, managerRoles...))
		r.Delete("/ingredients/{ingredientID}", a.requireAuth(a.handleDeleteIngredient, managerRoles...))
		r.Post("/ingredients/{ingredientID}/stock", a.requireAuth(a.handleAdjustStock, managerRoles...))
		r.Get("/stock-logs", a.requireAuth(a.handleListStockLogs, anyRole...))
		r.Get("/alerts/low-stock", a.requireAuth(a.handleLowStock, anyRole...))

		r.Get("/recipes", a.requireAuth(a.handleListRecipes, anyRole...))
		r.Post("/recipes", a.requireAuth(a.handleCreateRecipe, managerRoles...))
		r.Get("/recipes/{recipeID}", a.requireAuth(a.handleGetRecipe, anyRole...))
		r.Patch("/recipes/{recipeID}", a.requireAuth(a.handleUpdateRecipe, managerRoles...))
		r.Delete("/recipes/{recipeID}", a.requireAuth(a.handleDeleteRecipe, managerRoles...))
		r.Get("/recipes/{recipeID}/cost", a.requireAuth(a.handleRecipeCost, anyRole...))

		r.Get("/costs/menu", a.requireAuth(a.handleMenuCosts, anyRole...))
		r.Get("/reports/menu-engineering", a.requireAuth(a.handleMenuEngineering, managerRoles...))
		r.Get("/reports/profit", a.requireAuth(a.handleProfitReport, managerRoles...))
		r.Post("/reports/profit/simulate", a.requireAuth(a.handleProfitSimulation, managerRoles...))

		r.Get("/purchases", a.requireAuth(a.handleListPurchases, managerRoles...))
		r.Post("/purchases", a.requireAuth(a.handleCreatePurchase, managerRoles...))

		r.Get("/orders", a.requireAuth(a.handleListOrders, anyRole...))
		r.Post("/orders", a.requireAuth(a.handleCreateOrder, anyRole...))
		r.Get("/orders/{orderID}", a.requireAuth(a.handleGetOrder, anyRole...))
		r.Post("/orders/{orderID}/cancel", a.requireAuth(a.handleCancelOrder, managerRoles...))

		r.Get("/expenses", a.requireAuth(a.handleListExpenses, managerRoles...))
		r.Post("/expenses", a.requireAuth(a.handleCreateExpense, managerRoles...))
		r.Get("/sales-records", a.requireAuth(a.handleListSalesRecords, managerRoles...))
		r.Post("/sales-records", a.requireAuth(a.handleCreateSalesRecord, managerRoles...))

		r.Get("/audit-logs", a.requireAuth(a.handleAuditLogs, managerRoles...))
	})

	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		applog.Debug(r.Context(), "http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(startedAt))
	})
}

// statusFor maps service and store errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, costing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, costing.ErrCyclicComposition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// writeDecodeError answers a body that failed to decode.
func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseOptionalInt(raw string, name string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return parsed, nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses and logs it instead.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		applog.Error(context.Background(), "internal error", "status", status, "err", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
