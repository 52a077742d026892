package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/policy"
)

func (h *Handler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Platforms.List())
}

func (h *Handler) GetPlatform(w http.ResponseWriter, r *http.Request) {
	p, ok := h.deps.Platforms.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type connectRequest struct {
	CredentialsHandle string `json:"credentialsHandle"`
}

func (h *Handler) ConnectPlatform(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CredentialsHandle == "" {
		writeError(w, errField("credentialsHandle", "is required"))
		return
	}
	p, err := h.deps.Platforms.Connect(r.Context(), chi.URLParam(r, "id"), req.CredentialsHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DisconnectPlatform(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Platforms.Disconnect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) RefreshPlatform(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Platforms.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Mappings.List())
}

func (h *Handler) PutMapping(w http.ResponseWriter, r *http.Request) {
	var req model.CategoryMapping
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.deps.Mappings.SetMapping(r.Context(), req.PrimaryCategory, req.PlatformID, req.ExternalCategoryID, req.ExternalCategoryName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteMapping takes ?category=&platform= since categories may contain
// slashes.
func (h *Handler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.deps.Mappings.Remove(r.Context(), q.Get("category"), q.Get("platform")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Policy.Current())
}

// PutPolicy replaces the whole policy; omitted fields take their zero value.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policy.Policy
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.deps.Policy.Update(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.deps.Records.ListProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if products == nil {
		products = []model.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

type importResponse struct {
	Imported int `json:"imported"`
}

// ImportProducts accepts candidate records from importer front-ends. The
// batch is validated as a whole before anything is stored.
func (h *Handler) ImportProducts(w http.ResponseWriter, r *http.Request) {
	var products []model.Product
	if err := decodeJSON(w, r, &products); err != nil {
		writeError(w, err)
		return
	}
	for _, p := range products {
		if err := validateImport(p); err != nil {
			writeError(w, err)
			return
		}
	}

	now := h.now()
	for _, p := range products {
		if p.PriceUpdatedAt.IsZero() {
			p.PriceUpdatedAt = now
		}
		if p.StockUpdatedAt.IsZero() {
			p.StockUpdatedAt = now
		}
		if err := h.deps.Records.UpsertProduct(r.Context(), p); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, importResponse{Imported: len(products)})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := h.deps.Records.ListOrders(r.Context(), r.URL.Query().Get("platform"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.deps.Rules.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []model.NotificationRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.NotificationRule
	if err := decodeJSON(w, r, &rule); err != nil {
		writeError(w, err)
		return
	}
	rule.ID = ""
	saved, err := h.deps.Rules.SaveRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.NotificationRule
	if err := decodeJSON(w, r, &rule); err != nil {
		writeError(w, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	saved, err := h.deps.Rules.SaveRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetInbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Inbox.Inbox(chi.URLParam(r, "user")))
}

func (h *Handler) ClearInbox(w http.ResponseWriter, r *http.Request) {
	n := h.deps.Inbox.Clear(chi.URLParam(r, "user"))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func validateImport(p model.Product) error {
	switch {
	case strings.TrimSpace(p.SKU) == "":
		return errField("sku", "is required")
	case strings.TrimSpace(p.Title) == "":
		return errField("title", "is required")
	case p.Price.LessThan(decimal.Zero):
		return errField("price", "must not be negative")
	case p.Stock < 0:
		return errField("stock", "must not be negative")
	}
	return nil
}
