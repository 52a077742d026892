package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/notify"
	"catalog-sync-service/internal/policy"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

type SyncService interface {
	SyncNow(kind model.RunKind, initiator model.Initiator) (model.SyncRun, error)
	Trigger(kind model.RunKind, initiator model.Initiator) (string, error)
	Cancel() (string, error)
	GetStatus() sync.Status
	ResolveConflict(ctx context.Context, id, choice string) (model.ConflictRecord, error)
}

type PlatformService interface {
	List() []model.Platform
	Get(id string) (model.Platform, bool)
	Connect(ctx context.Context, id, credentialsHandle string) (model.Platform, error)
	Disconnect(ctx context.Context, id string) (model.Platform, error)
	Refresh(ctx context.Context, id string) (model.Platform, error)
}

type MappingService interface {
	List() []model.CategoryMapping
	SetMapping(ctx context.Context, primaryCategory, platformID, externalID, externalName string) (model.CategoryMapping, error)
	Remove(ctx context.Context, primaryCategory, platformID string) error
}

type PolicyService interface {
	Current() policy.Policy
	Update(ctx context.Context, p policy.Policy) (policy.Policy, error)
}

type RuleService interface {
	ListRules(ctx context.Context) ([]model.NotificationRule, error)
	SaveRule(ctx context.Context, r model.NotificationRule) (model.NotificationRule, error)
	DeleteRule(ctx context.Context, id string) error
}

type Inbox interface {
	Inbox(user string) []notify.InAppMessage
	Clear(user string) int
}

// Records is the read side of the state store plus the catalog import.
type Records interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.SyncRun, error)
	GetRun(ctx context.Context, id string) (model.SyncRun, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]model.ConflictRecord, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	UpsertProduct(ctx context.Context, p model.Product) error
	ListOrders(ctx context.Context, platformID string, limit, offset int) ([]model.Order, error)
}

type Dependencies struct {
	Sync      SyncService
	Platforms PlatformService
	Mappings  MappingService
	Policy    PolicyService
	Rules     RuleService
	Inbox     Inbox
	Records   Records
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type Handler struct {
	cfg  config.ServerConfig
	deps Dependencies
	now  func() time.Time
}

func NewHandler(cfg config.ServerConfig, deps Dependencies) *Handler {
	return &Handler{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/stop", h.StopSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/runs", h.ListRuns)
		r.Get("/sync/runs/{id}", h.GetRun)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Route("/platforms", func(r chi.Router) {
			r.Get("/", h.ListPlatforms)
			r.Get("/{id}", h.GetPlatform)
			r.Post("/{id}/connect", h.ConnectPlatform)
			r.Post("/{id}/disconnect", h.DisconnectPlatform)
			r.Post("/{id}/refresh", h.RefreshPlatform)
		})

		r.Get("/mappings", h.ListMappings)
		r.Put("/mappings", h.PutMapping)
		r.Delete("/mappings", h.DeleteMapping)

		r.Get("/policy", h.GetPolicy)
		r.Put("/policy", h.PutPolicy)

		r.Get("/products", h.ListProducts)
		r.Post("/products", h.ImportProducts)
		r.Get("/orders", h.ListOrders)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/rules", h.ListRules)
			r.Post("/rules", h.CreateRule)
			r.Put("/rules/{id}", h.UpdateRule)
			r.Delete("/rules/{id}", h.DeleteRule)
			r.Get("/inbox/{user}", h.GetInbox)
			r.Delete("/inbox/{user}", h.ClearInbox)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case slices.Contains(h.cfg.CorsOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(h.cfg.CorsOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires the configured bearer token. An empty token leaves
// the API open.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
