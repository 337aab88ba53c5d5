// internal/types/interfaces.go
package types

import (
	"context"
)

// StateStore persists small JSON documents under named keys. Load reports
// found=false for a missing key.
type StateStore interface {
	Load(ctx context.Context, key string, v any) (found bool, err error)
	Save(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// TokenSource exposes the current access token without blocking.
type TokenSource interface {
	AccessToken() string
}
