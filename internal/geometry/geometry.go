// Package geometry wraps the spatial primitives the catalog needs: WKT
// parsing into EPSG:4326, intersection, union and envelopes.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/peterstace/simplefeatures/geom"
)

// SRID is the only spatial reference accepted by the catalog.
const SRID = 4326

// ErrInvalid is returned for geometries that cannot be parsed or that lie
// outside the EPSG:4326 coordinate range.
var ErrInvalid = errors.New("invalid geometry")

// Geometry is a parsed geometry in EPSG:4326. The zero value is empty.
type Geometry struct {
	g geom.Geometry
}

// Envelope is an axis-aligned bounding box.
type Envelope struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Overlaps reports whether two envelopes share at least one point.
func (e Envelope) Overlaps(o Envelope) bool {
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// Parse parses WKT or EWKT. An EWKT SRID prefix is accepted only when it
// names EPSG:4326.
func Parse(wkt string) (Geometry, error) {
	text := strings.TrimSpace(wkt)
	if text == "" {
		return Geometry{}, fmt.Errorf("%w: empty WKT", ErrInvalid)
	}

	if strings.HasPrefix(strings.ToUpper(text), "SRID=") {
		head, rest, ok := strings.Cut(text, ";")
		if !ok {
			return Geometry{}, fmt.Errorf("%w: malformed EWKT prefix", ErrInvalid)
		}
		if srid := strings.TrimSpace(head[len("SRID="):]); srid != fmt.Sprint(SRID) {
			return Geometry{}, fmt.Errorf("%w: unsupported SRID %s", ErrInvalid, srid)
		}
		text = rest
	}

	g, err := geom.UnmarshalWKT(text)
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	out := Geometry{g: g}
	if env, ok := out.Envelope(); ok {
		if env.MinX < -180 || env.MaxX > 180 || env.MinY < -90 || env.MaxY > 90 {
			return Geometry{}, fmt.Errorf("%w: coordinates outside EPSG:4326 bounds", ErrInvalid)
		}
	}
	return out, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static values.
func MustParse(wkt string) Geometry {
	g, err := Parse(wkt)
	if err != nil {
		panic(err)
	}
	return g
}

// IsEmpty reports whether the geometry has no points.
func (g Geometry) IsEmpty() bool {
	return g.g.IsEmpty()
}

// WKT returns the well-known-text form, or "" for an empty geometry.
func (g Geometry) WKT() string {
	if g.IsEmpty() {
		return ""
	}
	return g.g.AsText()
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return g.WKT()
}

// Envelope returns the bounding box. ok is false for empty geometries.
func (g Geometry) Envelope() (Envelope, bool) {
	if g.IsEmpty() {
		return Envelope{}, false
	}
	min, max, ok := g.g.Envelope().MinMaxXYs()
	if !ok {
		return Envelope{}, false
	}
	return Envelope{MinX: min.X, MinY: min.Y, MaxX: max.X, MaxY: max.Y}, true
}

// Intersects reports whether a and b share at least one point. Empty
// geometries intersect nothing.
func Intersects(a, b Geometry) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return false
	}
	ea, _ := a.Envelope()
	eb, _ := b.Envelope()
	if !ea.Overlaps(eb) {
		return false
	}
	return geom.Intersects(a.g, b.g)
}

// Union merges two geometries. An empty operand yields the other.
func Union(a, b Geometry) (Geometry, error) {
	switch {
	case a.IsEmpty():
		return b, nil
	case b.IsEmpty():
		return a, nil
	}
	u, err := geom.Union(a.g, b.g)
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to union geometries: %w", err)
	}
	return Geometry{g: u}, nil
}

// MarshalJSON encodes the geometry as a WKT string.
func (g Geometry) MarshalJSON() ([]byte, error) {
	if g.IsEmpty() {
		return []byte("null"), nil
	}
	return json.Marshal(g.WKT())
}

// UnmarshalJSON decodes a WKT string.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var text *string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("%w: geometry must be a WKT string", ErrInvalid)
	}
	if text == nil || strings.TrimSpace(*text) == "" {
		*g = Geometry{}
		return nil
	}
	parsed, err := Parse(*text)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
