package chat

import (
	"context"

	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/internal/workshop"
	"github.com/user/diagchat/pkg/api"
)

// ThreadLister lists and creates threads.
type ThreadLister interface {
	ListThreads(ctx context.Context, filter api.ThreadFilter) ([]types.Thread, error)
	CreateThread(ctx context.Context, nt types.NewThread) (*types.Thread, error)
}

// Directory lists and creates conversations, scoped to the selected
// workshop by default.
type Directory struct {
	backend   ThreadLister
	workshops *workshop.Context
}

// NewDirectory creates a Directory.
func NewDirectory(backend ThreadLister, workshops *workshop.Context) *Directory {
	return &Directory{backend: backend, workshops: workshops}
}

// List returns threads matching filter. An unset workshop defaults to the
// selected one.
func (d *Directory) List(ctx context.Context, filter api.ThreadFilter) ([]types.Thread, error) {
	if filter.WorkshopID == "" {
		if ws, ok := d.current(); ok {
			filter.WorkshopID = ws.ID
		}
	}
	return d.backend.ListThreads(ctx, filter)
}

// Create starts a conversation. An unset workshop defaults to the selected
// one; with none selected it fails with ErrNoWorkshop.
func (d *Directory) Create(ctx context.Context, nt types.NewThread) (*types.Thread, error) {
	if nt.WorkshopID == "" {
		ws, ok := d.current()
		if !ok {
			return nil, ErrNoWorkshop
		}
		nt.WorkshopID = ws.ID
	}
	return d.backend.CreateThread(ctx, nt)
}

func (d *Directory) current() (types.Workshop, bool) {
	if d.workshops == nil {
		return types.Workshop{}, false
	}
	return d.workshops.Current()
}
