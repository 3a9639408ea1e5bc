package store

import (
	"errors"

	"streda-bridge/internal/streda"
)

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. The bridge persists two things:
// the rotated refresh token (losing it breaks all future authentication)
// and a cache of the last discovered topology for observability.
type Store interface {
	SaveRefreshToken(token string) error
	GetRefreshToken() (string, error)

	SaveTopology(topo streda.Topology) error
	GetTopology() (streda.Topology, error)

	Close() error
}
