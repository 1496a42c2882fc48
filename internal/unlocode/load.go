package unlocode

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/storage"
)

// ParseTable parses a YAML mapping of UN/LOCODE to WKT geometry. Every entry
// is checked before any is returned.
func ParseTable(data []byte) (map[string]geometry.Geometry, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse UN/LOCODE table: %w", err)
	}

	table := make(map[string]geometry.Geometry, len(raw))
	for code, wkt := range raw {
		c, err := Normalize(code)
		if err != nil {
			return nil, err
		}
		g, err := geometry.Parse(wkt)
		if err != nil {
			return nil, fmt.Errorf("UN/LOCODE %s: %w", c, err)
		}
		if _, dup := table[c]; dup {
			return nil, fmt.Errorf("UN/LOCODE %s listed twice", c)
		}
		table[c] = g
	}
	return table, nil
}

// Import loads a YAML UN/LOCODE table from path into the catalog and returns
// the number of codes written. Existing codes are overwritten.
func Import(ctx context.Context, store *storage.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return 0, err
	}

	codes := make([]string, 0, len(table))
	for c := range table {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	for _, c := range codes {
		if err := store.PutLocode(ctx, c, table[c]); err != nil {
			return 0, err
		}
	}
	return len(codes), nil
}
