// Package unlocode resolves UN/LOCODE location codes to geometries.
package unlocode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/storage"
)

// Errors
var (
	ErrNotFound    = errors.New("UN/LOCODE not found")
	ErrInvalidCode = errors.New("invalid UN/LOCODE")
)

// Lookup resolves a UN/LOCODE to its geometry.
type Lookup interface {
	Resolve(ctx context.Context, code string) (geometry.Geometry, error)
}

// Normalize upper-cases a code and checks its shape: a two-letter country
// code followed by three letters or digits 2-9.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
	if len(c) != 5 {
		return "", fmt.Errorf("%w: %q must have 5 characters", ErrInvalidCode, code)
	}
	for i, r := range c {
		switch {
		case r >= 'A' && r <= 'Z':
		case i >= 2 && r >= '2' && r <= '9':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	return c, nil
}

// StoreLookup resolves codes from the catalog's UN/LOCODE table.
type StoreLookup struct {
	store *storage.Store
}

// NewStoreLookup creates a storage-backed lookup.
func NewStoreLookup(store *storage.Store) *StoreLookup {
	return &StoreLookup{store: store}
}

// Resolve implements Lookup.
func (l *StoreLookup) Resolve(ctx context.Context, code string) (geometry.Geometry, error) {
	c, err := Normalize(code)
	if err != nil {
		return geometry.Geometry{}, err
	}
	g, err := l.store.GetLocode(ctx, c)
	if errors.Is(err, storage.ErrLocodeNotFound) {
		return geometry.Geometry{}, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return g, err
}

// MapLookup is a fixed in-memory lookup.
type MapLookup map[string]geometry.Geometry

// Resolve implements Lookup.
func (m MapLookup) Resolve(_ context.Context, code string) (geometry.Geometry, error) {
	c, err := Normalize(code)
	if err != nil {
		return geometry.Geometry{}, err
	}
	g, ok := m[c]
	if !ok {
		return geometry.Geometry{}, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	return g, nil
}
