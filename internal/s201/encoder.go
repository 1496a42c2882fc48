// Package s201 turns dataset drafts into distributable S-201 payloads.
//
// The payload schema is owned by the S-201 product specification; the rest of
// the server treats payloads as opaque bytes produced and consumed through the
// Encoder interface.
package s201

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
)

// ErrMalformedPayload is returned by Decode for bytes that are not a dataset.
var ErrMalformedPayload = errors.New("malformed S-201 payload")

// Encoder produces and reads dataset payloads.
type Encoder interface {
	Encode(draft dataset.Draft) ([]byte, error)
	Decode(data []byte) (*Document, error)
}

// Document is the structured form of a decoded payload.
type Document struct {
	DatasetID      string
	Identification dataset.Identification
	Geometry       geometry.Geometry
}

const (
	namespaceS201 = "http://www.iho.int/S-201/gml/cs0/1.0"
	namespaceGML  = "http://www.opengis.net/gml/3.2"
	dateLayout    = "2006-01-02"
)

// GMLEncoder writes a GML dataset document carrying the identification block
// and the dataset coverage.
type GMLEncoder struct{}

// NewGMLEncoder creates the default encoder.
func NewGMLEncoder() *GMLEncoder {
	return &GMLEncoder{}
}

type gmlOut struct {
	XMLName     xml.Name          `xml:"S201:Dataset"`
	XMLNSS201   string            `xml:"xmlns:S201,attr"`
	XMLNSGML    string            `xml:"xmlns:gml,attr"`
	ID          string            `xml:"gml:id,attr"`
	BoundedBy   *gmlEnvelopeOut   `xml:"gml:boundedBy>gml:Envelope,omitempty"`
	Info        gmlIdentification `xml:"DatasetIdentificationInformation"`
	CoverageWKT string            `xml:"S201:datasetCoverage"`
}

type gmlEnvelopeOut struct {
	SRSName     string `xml:"srsName,attr"`
	LowerCorner string `xml:"gml:lowerCorner"`
	UpperCorner string `xml:"gml:upperCorner"`
}

type gmlIn struct {
	XMLName     xml.Name          `xml:"Dataset"`
	ID          string            `xml:"id,attr"`
	Info        gmlIdentification `xml:"DatasetIdentificationInformation"`
	CoverageWKT string            `xml:"datasetCoverage"`
}

type gmlIdentification struct {
	EncodingSpecification        string `xml:"encodingSpecification"`
	EncodingSpecificationEdition string `xml:"encodingSpecificationEdition"`
	ProductIdentifier            string `xml:"productIdentifier"`
	ProductEdition               string `xml:"productEdition"`
	ApplicationProfile           string `xml:"applicationProfile"`
	FileIdentifier               string `xml:"datasetFileIdentifier"`
	Title                        string `xml:"datasetTitle"`
	ReferenceDate                string `xml:"datasetReferenceDate,omitempty"`
	Language                     string `xml:"datasetLanguage"`
	Abstract                     string `xml:"datasetAbstract,omitempty"`
	Edition                      string `xml:"datasetEdition,omitempty"`
}

// Encode implements Encoder.
func (e *GMLEncoder) Encode(draft dataset.Draft) ([]byte, error) {
	if draft.ID == "" {
		return nil, fmt.Errorf("cannot encode dataset without identifier")
	}

	id := draft.Identification
	if id.ProductIdentifier == "" {
		id.ProductIdentifier = dataset.ProductS201
	}

	doc := gmlOut{
		XMLNSS201: namespaceS201,
		XMLNSGML:  namespaceGML,
		ID:        "DS-" + draft.ID,
		Info: gmlIdentification{
			EncodingSpecification:        id.EncodingSpecification,
			EncodingSpecificationEdition: id.EncodingSpecificationEdition,
			ProductIdentifier:            id.ProductIdentifier,
			ProductEdition:               id.ProductEdition,
			ApplicationProfile:           id.ApplicationProfile,
			FileIdentifier:               id.FileIdentifier,
			Title:                        id.Title,
			Language:                     id.Language,
			Abstract:                     id.Abstract,
			Edition:                      id.Edition,
		},
		CoverageWKT: draft.Geometry.WKT(),
	}
	if !id.ReferenceDate.IsZero() {
		doc.Info.ReferenceDate = id.ReferenceDate.UTC().Format(dateLayout)
	}
	// GML corners are latitude-first for EPSG:4326.
	if env, ok := draft.Geometry.Envelope(); ok {
		doc.BoundedBy = &gmlEnvelopeOut{
			SRSName:     fmt.Sprintf("EPSG:%d", geometry.SRID),
			LowerCorner: fmt.Sprintf("%g %g", env.MinY, env.MinX),
			UpperCorner: fmt.Sprintf("%g %g", env.MaxY, env.MaxX),
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode dataset %s: %w", draft.ID, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decode implements Encoder.
func (e *GMLEncoder) Decode(data []byte) (*Document, error) {
	var in gmlIn
	if err := xml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !strings.HasPrefix(in.ID, "DS-") {
		return nil, fmt.Errorf("%w: missing dataset identifier", ErrMalformedPayload)
	}

	doc := &Document{
		DatasetID: strings.TrimPrefix(in.ID, "DS-"),
		Identification: dataset.Identification{
			EncodingSpecification:        in.Info.EncodingSpecification,
			EncodingSpecificationEdition: in.Info.EncodingSpecificationEdition,
			ProductIdentifier:            in.Info.ProductIdentifier,
			ProductEdition:               in.Info.ProductEdition,
			ApplicationProfile:           in.Info.ApplicationProfile,
			FileIdentifier:               in.Info.FileIdentifier,
			Title:                        in.Info.Title,
			Language:                     in.Info.Language,
			Abstract:                     in.Info.Abstract,
			Edition:                      in.Info.Edition,
		},
	}
	if in.Info.ReferenceDate != "" {
		ref, err := time.Parse(dateLayout, in.Info.ReferenceDate)
		if err != nil {
			return nil, fmt.Errorf("%w: bad reference date: %v", ErrMalformedPayload, err)
		}
		doc.Identification.ReferenceDate = ref
	}
	if wkt := strings.TrimSpace(in.CoverageWKT); wkt != "" {
		g, err := geometry.Parse(wkt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		doc.Geometry = g
	}
	return doc, nil
}
