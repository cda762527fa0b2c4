// Package storage provides interfaces and implementations for storing
// web push subscriptions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imjasonh/pwapush"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord is returned by Save for records without an ID or
	// endpoint.
	ErrInvalidRecord = errors.New("invalid record")
)

// Record represents a stored subscription with metadata.
type Record struct {
	ID string `json:"id"`
	// MemberID links the subscription to a site member. Anonymous
	// subscriptions leave it empty.
	MemberID        string                `json:"member_id,omitempty"`
	Subscription    *pwapush.Subscription `json:"subscription"`
	ContentEncoding string                `json:"content_encoding,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Storage defines the interface for storing web push subscriptions.
type Storage interface {
	// Save stores or updates a subscription.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByMemberIDs retrieves all subscriptions belonging to any of the
	// given members.
	GetByMemberIDs(ctx context.Context, memberIDs ...string) ([]*Record, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns all subscriptions with pagination, oldest first.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}

func copyRecord(r *Record) *Record {
	out := *r
	if r.Subscription != nil {
		sub := *r.Subscription
		out.Subscription = &sub
	}
	return &out
}

func validate(r *Record) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case r.Subscription == nil || r.Subscription.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalidRecord)
	}
	return nil
}
