// Package mapping translates the internal category taxonomy to each
// platform's external taxonomy.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"catalog-sync-service/internal/model"
)

type Repository interface {
	SaveMapping(ctx context.Context, m model.CategoryMapping) error
	DeleteMapping(ctx context.Context, primaryCategory, platformID string) error
	ListMappings(ctx context.Context) ([]model.CategoryMapping, error)
}

type ConnectionChecker interface {
	IsConnected(platformID string) bool
}

type key struct {
	category string
	platform string
}

// Table holds at most one entry per (primary category, platform).
type Table struct {
	repo      Repository
	platforms ConnectionChecker

	mu      sync.RWMutex
	entries map[key]model.CategoryMapping
}

func NewTable(repo Repository, platforms ConnectionChecker) *Table {
	return &Table{
		repo:      repo,
		platforms: platforms,
		entries:   make(map[key]model.CategoryMapping),
	}
}

func (t *Table) Load(ctx context.Context) error {
	list, err := t.repo.ListMappings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load category mappings: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range list {
		t.entries[key{m.PrimaryCategory, m.PlatformID}] = m
	}
	return nil
}

// SetMapping upserts the entry for (primaryCategory, platformID). The platform
// must be connected.
func (t *Table) SetMapping(ctx context.Context, primaryCategory, platformID, externalID, externalName string) (model.CategoryMapping, error) {
	primaryCategory = strings.TrimSpace(primaryCategory)
	switch {
	case primaryCategory == "":
		return model.CategoryMapping{}, fmt.Errorf("mapping: primary category is required: %w", model.ErrValidation)
	case externalID == "":
		return model.CategoryMapping{}, fmt.Errorf("mapping: external category id is required: %w", model.ErrValidation)
	case !t.platforms.IsConnected(platformID):
		return model.CategoryMapping{}, fmt.Errorf("mapping: platform %q is not connected: %w", platformID, model.ErrValidation)
	}

	m := model.CategoryMapping{
		PrimaryCategory:      primaryCategory,
		PlatformID:           platformID,
		ExternalCategoryID:   externalID,
		ExternalCategoryName: externalName,
		UpdatedAt:            time.Now().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.repo.SaveMapping(ctx, m); err != nil {
		return model.CategoryMapping{}, fmt.Errorf("failed to save category mapping: %w", err)
	}
	t.entries[key{primaryCategory, platformID}] = m
	return m, nil
}

func (t *Table) Remove(ctx context.Context, primaryCategory, platformID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{primaryCategory, platformID}
	if _, ok := t.entries[k]; !ok {
		return fmt.Errorf("mapping %s/%s: %w", primaryCategory, platformID, model.ErrNotFound)
	}
	if err := t.repo.DeleteMapping(ctx, primaryCategory, platformID); err != nil {
		return fmt.Errorf("failed to delete category mapping: %w", err)
	}
	delete(t.entries, k)
	return nil
}

// Resolve returns the external category for the pair, or false. Callers must not
// substitute a default when it is absent.
func (t *Table) Resolve(primaryCategory, platformID string) (model.CategoryMapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.entries[key{primaryCategory, platformID}]
	return m, ok
}

func (t *Table) List() []model.CategoryMapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sorted(t.entries)
}

// Snapshot copies the table for a single run.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make(map[key]model.CategoryMapping, len(t.entries))
	for k, v := range t.entries {
		entries[k] = v
	}
	return Snapshot{entries: entries}
}

// Snapshot is an immutable copy of the table.
type Snapshot struct {
	entries map[key]model.CategoryMapping
}

func (s Snapshot) Resolve(primaryCategory, platformID string) (model.CategoryMapping, bool) {
	m, ok := s.entries[key{primaryCategory, platformID}]
	return m, ok
}

// ExternalCategories returns the distinct external category ids mapped for
// platformID, sorted.
func (s Snapshot) ExternalCategories(platformID string) []string {
	seen := make(map[string]bool)
	var out []string
	for k, v := range s.entries {
		if k.platform == platformID && !seen[v.ExternalCategoryID] {
			seen[v.ExternalCategoryID] = true
			out = append(out, v.ExternalCategoryID)
		}
	}
	sort.Strings(out)
	return out
}

func sorted(entries map[key]model.CategoryMapping) []model.CategoryMapping {
	out := make([]model.CategoryMapping, 0, len(entries))
	for _, m := range entries {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PrimaryCategory != out[j].PrimaryCategory {
			return out[i].PrimaryCategory < out[j].PrimaryCategory
		}
		return out[i].PlatformID < out[j].PlatformID
	})
	return out
}
