// Package dataset defines the catalog's domain records and the error
// taxonomy shared by the versioning, query and subscription components.
package dataset

import (
	"errors"
	"fmt"
	"time"

	"github.com/spacedatanetwork/s201-server/internal/geometry"
)

// Errors
var (
	ErrNotFound         = errors.New("dataset not found")
	ErrIdentityConflict = errors.New("identifier must not be supplied on create")
	ErrAlreadyCancelled = errors.New("dataset already cancelled")
	ErrValidation       = errors.New("validation error")
)

// ProductS201 is the product identifier carried by every dataset.
const ProductS201 = "S-201"

// Identification is the producer-assigned metadata block of a dataset.
type Identification struct {
	EncodingSpecification        string    `json:"encodingSpecification,omitempty"`
	EncodingSpecificationEdition string    `json:"encodingSpecificationEdition,omitempty"`
	ProductIdentifier            string    `json:"productIdentifier,omitempty"`
	ProductEdition               string    `json:"productEdition,omitempty"`
	ApplicationProfile           string    `json:"applicationProfile,omitempty"`
	FileIdentifier               string    `json:"datasetFileIdentifier,omitempty"`
	Title                        string    `json:"datasetTitle,omitempty"`
	ReferenceDate                time.Time `json:"datasetReferenceDate,omitempty"`
	Language                     string    `json:"datasetLanguage,omitempty"`
	Abstract                     string    `json:"datasetAbstract,omitempty"`
	Edition                      string    `json:"datasetEdition,omitempty"`
}

// Merge returns a copy of i with every non-empty field of o applied on top.
func (i Identification) Merge(o Identification) Identification {
	out := i
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.EncodingSpecification, o.EncodingSpecification)
	set(&out.EncodingSpecificationEdition, o.EncodingSpecificationEdition)
	set(&out.ProductIdentifier, o.ProductIdentifier)
	set(&out.ProductEdition, o.ProductEdition)
	set(&out.ApplicationProfile, o.ApplicationProfile)
	set(&out.FileIdentifier, o.FileIdentifier)
	set(&out.Title, o.Title)
	set(&out.Language, o.Language)
	set(&out.Abstract, o.Abstract)
	set(&out.Edition, o.Edition)
	if !o.ReferenceDate.IsZero() {
		out.ReferenceDate = o.ReferenceDate
	}
	return out
}

// Dataset is one catalog record. Records are closed, never edited, once
// Cancelled is set.
type Dataset struct {
	ID             string            `json:"uuid"`
	Identification Identification    `json:"datasetIdentificationInformation"`
	Geometry       geometry.Geometry `json:"geometry"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"lastUpdatedAt"`
	Cancelled      bool              `json:"cancelled"`
	ContentID      int64             `json:"contentId,omitempty"`
	PredecessorID  string            `json:"predecessor,omitempty"`
}

// Draft is the caller-supplied input for create and update.
type Draft struct {
	ID             string            `json:"uuid,omitempty"`
	Identification Identification    `json:"datasetIdentificationInformation"`
	Geometry       geometry.Geometry `json:"geometry"`
}

// Draft returns the draft that would reproduce d's content.
func (d *Dataset) Draft() Draft {
	return Draft{
		ID:             d.ID,
		Identification: d.Identification,
		Geometry:       d.Geometry,
	}
}

// Content is an immutable encoded payload owned by one dataset.
type Content struct {
	ID          int64     `json:"id"`
	DatasetID   string    `json:"datasetId"`
	CID         string    `json:"cid"`
	Data        []byte    `json:"-"`
	Size        int64     `json:"size"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Operation is the kind of a content log entry.
type Operation string

const (
	OpCreated   Operation = "CREATED"
	OpUpdated   Operation = "UPDATED"
	OpCancelled Operation = "CANCELLED"
	OpDeleted   Operation = "DELETED"
)

// LogEntry is an immutable record of a content-affecting operation.
type LogEntry struct {
	Sequence     int64     `json:"sequence"`
	Operation    Operation `json:"operation"`
	DatasetID    string    `json:"datasetId"`
	ContentID    int64     `json:"contentId"`
	ContentCID   string    `json:"contentCid"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previousHash"`
	EntryHash    string    `json:"entryHash"`
}

// Container types as defined by SECOM.
type ContainerType int

const (
	ContainerDataset     ContainerType = 0
	ContainerExchangeSet ContainerType = 1
)

// Subscription is a stored subscriber filter.
type Subscription struct {
	ID             string            `json:"id"`
	SubscriberID   string            `json:"subscriberId"`
	Geometry       geometry.Geometry `json:"geometry"`
	UNLOCODE       string            `json:"unlocode,omitempty"`
	ContainerType  *ContainerType    `json:"containerType,omitempty"`
	ProductType    string            `json:"dataProductType,omitempty"`
	ProductVersion string            `json:"productVersion,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Validate checks the fields every stored dataset must carry.
func (d Draft) Validate() error {
	switch {
	case d.Identification.Title == "":
		return fmt.Errorf("%w: datasetTitle is required", ErrValidation)
	case d.Geometry.IsEmpty():
		return fmt.Errorf("%w: geometry is required", ErrValidation)
	}
	if p := d.Identification.ProductIdentifier; p != "" && p != ProductS201 {
		return fmt.Errorf("%w: unsupported product identifier %q", ErrValidation, p)
	}
	return nil
}
