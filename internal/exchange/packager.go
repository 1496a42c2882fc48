// Package exchange packages dataset payloads into S-100 exchange sets: a
// zip archive holding each payload under S100_ROOT plus a CATALOG.XML
// manifest. Packaging is all-or-nothing.
package exchange

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/klauspost/compress/zip"

	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
)

var log = logging.Logger("exchange")

// ErrPackaging is returned when any payload cannot be packaged. No partial
// archive is ever returned alongside it.
var ErrPackaging = errors.New("exchange set packaging failed")

// Archive layout.
const (
	RootDir     = "S100_ROOT"
	CatalogFile = RootDir + "/CATALOG.XML"
	DatasetDir  = RootDir + "/S-201/DATASET_FILES"
)

// Item is one dataset to package with the content to ship.
type Item struct {
	Dataset *dataset.Dataset
	Content *dataset.Content
}

// Catalogue is the CATALOG.XML manifest.
type Catalogue struct {
	XMLName              xml.Name           `xml:"S100_ExchangeCatalogue"`
	Identifier           string             `xml:"identifier"`
	DateTime             time.Time          `xml:"dateTime"`
	ProductSpecification string             `xml:"productSpecification"`
	ValidFrom            *time.Time         `xml:"validFrom,omitempty"`
	ValidTo              *time.Time         `xml:"validTo,omitempty"`
	Datasets             []DatasetDiscovery `xml:"datasetDiscoveryMetadata"`
}

// DatasetDiscovery describes one packaged payload.
type DatasetDiscovery struct {
	FileName    string    `xml:"fileName"`
	DatasetID   string    `xml:"datasetID"`
	Title       string    `xml:"datasetTitle,omitempty"`
	Edition     string    `xml:"datasetEdition,omitempty"`
	Cancelled   bool      `xml:"cancelled"`
	GeneratedAt time.Time `xml:"generatedAt"`
	CID         string    `xml:"contentID"`
	Size        int64     `xml:"size"`
}

// Packager builds exchange sets.
type Packager struct {
	compress bool
	clock    clock.Clock
}

// NewPackager creates a packager. compress selects deflate over store.
func NewPackager(compress bool) *Packager {
	return &Packager{compress: compress, clock: clock.New()}
}

// WithClock overrides the manifest timestamp source.
func (p *Packager) WithClock(c clock.Clock) *Packager {
	p.clock = c
	return p
}

// Compressed reports whether archives are deflated.
func (p *Packager) Compressed() bool {
	return p.compress
}

// Package writes items, in order, into a single archive. Every payload is
// checked against its content ID before it is written.
func (p *Packager) Package(ctx context.Context, items []Item, validFrom, validTo *time.Time) ([]byte, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no datasets to package", ErrPackaging)
	}

	catalogue := Catalogue{
		Identifier:           uuid.NewString(),
		DateTime:             p.clock.Now().UTC(),
		ProductSpecification: dataset.ProductS201,
		ValidFrom:            validFrom,
		ValidTo:              validTo,
	}

	method := zip.Store
	if p.compress {
		method = zip.Deflate
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
		}
		if item.Dataset == nil || item.Content == nil {
			return nil, fmt.Errorf("%w: item %d has no dataset or content", ErrPackaging, i)
		}
		if item.Content.DatasetID != item.Dataset.ID {
			return nil, fmt.Errorf("%w: content %d does not belong to dataset %s", ErrPackaging, item.Content.ID, item.Dataset.ID)
		}
		if err := contentlog.VerifyCID(item.Content.Data, item.Content.CID); err != nil {
			return nil, fmt.Errorf("%w: dataset %s: %v", ErrPackaging, item.Dataset.ID, err)
		}

		name := path.Join(DatasetDir, item.Dataset.ID+".gml")
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   method,
			Modified: item.Content.GeneratedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to add %s: %v", ErrPackaging, name, err)
		}
		if _, err := w.Write(item.Content.Data); err != nil {
			return nil, fmt.Errorf("%w: failed to write %s: %v", ErrPackaging, name, err)
		}

		catalogue.Datasets = append(catalogue.Datasets, DatasetDiscovery{
			FileName:    name,
			DatasetID:   item.Dataset.ID,
			Title:       item.Dataset.Identification.Title,
			Edition:     item.Dataset.Identification.Edition,
			Cancelled:   item.Dataset.Cancelled,
			GeneratedAt: item.Content.GeneratedAt,
			CID:         item.Content.CID,
			Size:        int64(len(item.Content.Data)),
		})
	}

	manifest, err := xml.MarshalIndent(catalogue, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode catalogue: %v", ErrPackaging, err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: CatalogFile, Method: method, Modified: catalogue.DateTime})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to add catalogue: %v", ErrPackaging, err)
	}
	if _, err := w.Write(append([]byte(xml.Header), manifest...)); err != nil {
		return nil, fmt.Errorf("%w: failed to write catalogue: %v", ErrPackaging, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to finalize archive: %v", ErrPackaging, err)
	}

	log.Debugf("Packaged %d datasets into exchange set %s (%s)",
		len(items), catalogue.Identifier, humanize.Bytes(uint64(buf.Len())))
	return buf.Bytes(), nil
}

// Read opens an exchange set and returns its catalogue and payloads keyed by
// dataset ID.
func Read(data []byte) (*Catalogue, map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open exchange set: %w", err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		files[f.Name] = b
	}

	raw, ok := files[CatalogFile]
	if !ok {
		return nil, nil, fmt.Errorf("exchange set has no %s", CatalogFile)
	}
	var catalogue Catalogue
	if err := xml.Unmarshal(raw, &catalogue); err != nil {
		return nil, nil, fmt.Errorf("failed to decode catalogue: %w", err)
	}

	payloads := make(map[string][]byte, len(catalogue.Datasets))
	for _, d := range catalogue.Datasets {
		b, ok := files[d.FileName]
		if !ok {
			return nil, nil, fmt.Errorf("catalogue lists missing file %s", d.FileName)
		}
		payloads[d.DatasetID] = b
	}
	return &catalogue, payloads, nil
}
