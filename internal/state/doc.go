// Package state provides the persisted client-state stores: small JSON
// documents kept under named keys, either as files or in SQLite.
package state

import "github.com/user/diagchat/internal/types"

// Compile-time interface compliance checks.
var _ types.StateStore = (*FileStore)(nil)
var _ types.StateStore = (*SQLiteStore)(nil)
