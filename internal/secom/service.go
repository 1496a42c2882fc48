// Package secom implements the SECOM-shaped get and subscription services.
// Every failure on these paths is reported as a validation error so that
// consumers never receive partial or inconsistent results.
package secom

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/exchange"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/query"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/subscription"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
)

var log = logging.Logger("secom")

// Response texts.
const (
	TextSubscriptionCreated = "Subscription successfully created"
	TextSubscriptionRemoved = "Subscription successfully removed"
)

// GetRequest holds the SECOM get parameters. Zero fields are unconstrained.
type GetRequest struct {
	DataReference   string
	ContainerType   *dataset.ContainerType
	DataProductType string
	ProductVersion  string
	Geometry        string
	UNLOCODE        string
	ValidFrom       *time.Time
	ValidTo         *time.Time
	Page            int
	PageSize        int
}

// ExchangeMetadata describes how a data object is packed.
type ExchangeMetadata struct {
	DataProtection  bool `json:"dataProtection"`
	CompressionFlag bool `json:"compressionFlag"`
}

// DataResponseObject is one returned payload. Data is base64 in JSON.
type DataResponseObject struct {
	Data             []byte           `json:"data"`
	ExchangeMetadata ExchangeMetadata `json:"exchangeMetadata"`
}

// Pagination reports the size of the full result.
type Pagination struct {
	TotalItems      int64 `json:"totalItems"`
	MaxItemsPerPage int   `json:"maxItemsPerPage"`
}

// GetResponse is the SECOM get response.
type GetResponse struct {
	DataResponseObject []DataResponseObject `json:"dataResponseObject"`
	Pagination         Pagination           `json:"pagination"`
	ResponseText       string               `json:"responseText,omitempty"`
}

// SubscriptionRequest is the SECOM subscription request body.
type SubscriptionRequest struct {
	ContainerType   *dataset.ContainerType `json:"containerType,omitempty"`
	DataProductType string                 `json:"dataProductType,omitempty"`
	ProductVersion  string                 `json:"productVersion,omitempty"`
	Geometry        string                 `json:"geometry,omitempty"`
	UNLOCODE        string                 `json:"unlocode,omitempty"`
}

// SubscriptionResponse is returned by Subscribe.
type SubscriptionResponse struct {
	SubscriptionIdentifier string `json:"subscriptionIdentifier"`
	ResponseText           string `json:"responseText"`
}

// RemoveSubscriptionResponse is returned by Unsubscribe.
type RemoveSubscriptionResponse struct {
	ResponseText string `json:"responseText"`
}

// Service serves SECOM requests from the catalog.
type Service struct {
	store    *storage.Store
	query    *query.Engine
	packager *exchange.Packager
	subs     *subscription.Manager
	lookup   unlocode.Lookup
}

// NewService creates the SECOM service.
func NewService(store *storage.Store, engine *query.Engine, packager *exchange.Packager, subs *subscription.Manager, lookup unlocode.Lookup) *Service {
	return &Service{
		store:    store,
		query:    engine,
		packager: packager,
		subs:     subs,
		lookup:   lookup,
	}
}

func invalid(err error) error {
	if errors.Is(err, dataset.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %w", dataset.ErrValidation, err)
}

// Get returns the current datasets matching req, either as raw payloads or
// packed into a single exchange set when an exchange-set container is asked
// for.
func (s *Service) Get(ctx context.Context, req GetRequest) (*GetResponse, error) {
	resp, err := s.get(ctx, req)
	if err != nil {
		log.Warnf("SECOM get failed: %v", err)
		return nil, invalid(err)
	}
	return resp, nil
}

func (s *Service) get(ctx context.Context, req GetRequest) (*GetResponse, error) {
	f := subscription.Filter{
		ContainerType:  req.ContainerType,
		ProductType:    req.DataProductType,
		ProductVersion: req.ProductVersion,
	}
	if err := subscription.ValidateFilter(&f); err != nil {
		return nil, err
	}

	var area geometry.Geometry
	if req.Geometry != "" {
		g, err := geometry.Parse(req.Geometry)
		if err != nil {
			return nil, err
		}
		area = g
	}
	if req.UNLOCODE != "" {
		loc, err := s.lookup.Resolve(ctx, req.UNLOCODE)
		if errors.Is(err, unlocode.ErrNotFound) {
			// An unknown location matches nothing.
			log.Debugf("UN/LOCODE %s not found, returning no data", req.UNLOCODE)
			return &GetResponse{DataResponseObject: []DataResponseObject{}}, nil
		}
		if err != nil {
			return nil, err
		}
		if area, err = geometry.Union(area, loc); err != nil {
			return nil, err
		}
	}

	filter := query.Filter{
		ID:               req.DataReference,
		Geometry:         area,
		ValidFrom:        req.ValidFrom,
		ValidTo:          req.ValidTo,
		ExcludeCancelled: true,
	}
	if f.ProductType != "" || f.ProductVersion != "" {
		criteria := &dataset.Subscription{ProductType: f.ProductType, ProductVersion: f.ProductVersion}
		filter.Match = func(d *dataset.Dataset) bool {
			return subscription.Match(d, criteria, geometry.Geometry{})
		}
	}

	result, err := s.query.FindAll(ctx, filter, query.Page{Page: req.Page, Size: req.PageSize})
	if err != nil {
		return nil, err
	}

	resp := &GetResponse{
		DataResponseObject: []DataResponseObject{},
		Pagination:         Pagination{TotalItems: result.Total, MaxItemsPerPage: result.Size},
	}
	if len(result.Items) == 0 {
		return resp, nil
	}

	items := make([]exchange.Item, 0, len(result.Items))
	for _, d := range result.Items {
		content, err := s.store.GetContent(ctx, d.ContentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load content of dataset %s: %w", d.ID, err)
		}
		items = append(items, exchange.Item{Dataset: d, Content: content})
	}

	if req.ContainerType != nil && *req.ContainerType == dataset.ContainerExchangeSet {
		archive, err := s.packager.Package(ctx, items, req.ValidFrom, req.ValidTo)
		if err != nil {
			return nil, err
		}
		resp.DataResponseObject = append(resp.DataResponseObject, DataResponseObject{
			Data:             archive,
			ExchangeMetadata: ExchangeMetadata{CompressionFlag: s.packager.Compressed()},
		})
		return resp, nil
	}

	for _, item := range items {
		resp.DataResponseObject = append(resp.DataResponseObject, DataResponseObject{Data: item.Content.Data})
	}
	return resp, nil
}

// Subscribe registers a subscription for subscriberID.
func (s *Service) Subscribe(ctx context.Context, subscriberID string, req SubscriptionRequest) (*SubscriptionResponse, error) {
	f := subscription.Filter{
		UNLOCODE:       req.UNLOCODE,
		ContainerType:  req.ContainerType,
		ProductType:    req.DataProductType,
		ProductVersion: req.ProductVersion,
	}
	if req.Geometry != "" {
		g, err := geometry.Parse(req.Geometry)
		if err != nil {
			return nil, invalid(err)
		}
		f.Geometry = g
	}

	sub, err := s.subs.Subscribe(ctx, subscriberID, f)
	if err != nil {
		return nil, invalid(err)
	}
	return &SubscriptionResponse{
		SubscriptionIdentifier: sub.ID,
		ResponseText:           TextSubscriptionCreated,
	}, nil
}

// Unsubscribe removes a subscription. Unknown identifiers are reported as
// not found rather than as validation errors.
func (s *Service) Unsubscribe(ctx context.Context, id string) (*RemoveSubscriptionResponse, error) {
	if err := s.subs.Unsubscribe(ctx, id); err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			return nil, err
		}
		return nil, invalid(err)
	}
	return &RemoveSubscriptionResponse{ResponseText: TextSubscriptionRemoved}, nil
}
