package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
)

// ErrSubscriptionNotFound is returned for unknown subscription identifiers.
var ErrSubscriptionNotFound = errors.New("subscription not found")

const subscriptionColumns = `id, subscriber_id, geometry_wkt, unlocode, container_type, product_type, product_version, created_at`

func scanSubscription(row rowScanner) (*dataset.Subscription, error) {
	var (
		sub           dataset.Subscription
		wkt           sql.NullString
		unlocode      sql.NullString
		containerType sql.NullInt64
		productType   sql.NullString
		version       sql.NullString
		createdAt     int64
	)
	if err := row.Scan(&sub.ID, &sub.SubscriberID, &wkt, &unlocode, &containerType, &productType, &version, &createdAt); err != nil {
		return nil, err
	}
	if wkt.Valid && wkt.String != "" {
		g, err := geometry.Parse(wkt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt geometry for subscription %s: %w", sub.ID, err)
		}
		sub.Geometry = g
	}
	if containerType.Valid {
		ct := dataset.ContainerType(containerType.Int64)
		sub.ContainerType = &ct
	}
	sub.UNLOCODE = unlocode.String
	sub.ProductType = productType.String
	sub.ProductVersion = version.String
	sub.CreatedAt = fromMillis(createdAt)
	return &sub, nil
}

// InsertSubscription stores a new subscription.
func (s *Store) InsertSubscription(ctx context.Context, sub *dataset.Subscription) error {
	var containerType interface{}
	if sub.ContainerType != nil {
		containerType = int(*sub.ContainerType)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.SubscriberID, nullableString(sub.Geometry.WKT()), nullableString(sub.UNLOCODE),
		containerType, nullableString(sub.ProductType), nullableString(sub.ProductVersion), toMillis(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*dataset.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return nil
}

// StreamSubscriptions calls fn for every stored subscription.
func (s *Store) StreamSubscriptions(ctx context.Context, fn func(*dataset.Subscription) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return fmt.Errorf("failed to stream subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return fmt.Errorf("failed to scan subscription row: %w", err)
		}
		if err := fn(sub); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListSubscriptions returns every stored subscription.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*dataset.Subscription, error) {
	var subs []*dataset.Subscription
	err := s.StreamSubscriptions(ctx, func(sub *dataset.Subscription) error {
		subs = append(subs, sub)
		return nil
	})
	return subs, err
}
