// Package workshop keeps the workshop the technician is working in.
package workshop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/diagchat/internal/types"
)

// StorageKey is the state-store key holding the selected workshop.
const StorageKey = "workshop-storage"

type persisted struct {
	State struct {
		SelectedWorkshop *types.Workshop `json:"selectedWorkshop"`
	} `json:"state"`
	Version int `json:"version"`
}

// Context is the persisted workshop selection.
type Context struct {
	store types.StateStore

	mu       sync.RWMutex
	selected *types.Workshop
}

// New creates a Context persisting to store. Call Load to rehydrate.
func New(store types.StateStore) *Context {
	return &Context{store: store}
}

// Load rehydrates the selection. Missing or corrupt entries leave nothing
// selected.
func (c *Context) Load(ctx context.Context) {
	var p persisted
	found, err := c.store.Load(ctx, StorageKey, &p)
	if err != nil {
		slog.Warn("ignoring persisted workshop state", "error", err)
		return
	}
	if !found || p.State.SelectedWorkshop == nil || p.State.SelectedWorkshop.ID == "" {
		return
	}
	c.mu.Lock()
	c.selected = p.State.SelectedWorkshop
	c.mu.Unlock()
}

// Current returns the selected workshop.
func (c *Context) Current() (types.Workshop, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selected == nil {
		return types.Workshop{}, false
	}
	return *c.selected, true
}

// Select makes ws the current workshop and persists it.
func (c *Context) Select(ctx context.Context, ws types.Workshop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = &ws

	var p persisted
	p.State.SelectedWorkshop = &ws
	if err := c.store.Save(ctx, StorageKey, p); err != nil {
		return fmt.Errorf("persist workshop: %w", err)
	}
	return nil
}

// Clear drops the selection and its persisted entry.
func (c *Context) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = nil
	if err := c.store.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("clear workshop: %w", err)
	}
	return nil
}
