package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/imjasonh/pwapush"
)

// Register stores sub, keyed by its endpoint. Registering an endpoint
// again refreshes its keys and links it to memberID if it had no member.
// created reports whether a new record was written.
func Register(ctx context.Context, s Storage, memberID string, sub *pwapush.Subscription, contentEncoding string) (record *Record, created bool, err error) {
	if err := sub.Validate(); err != nil {
		return nil, false, err
	}
	if contentEncoding == "" {
		contentEncoding = "aes128gcm"
	}

	existing, err := s.GetByEndpoint(ctx, sub.Endpoint)
	switch {
	case errors.Is(err, ErrNotFound):
		record = &Record{
			ID:              uuid.New().String(),
			MemberID:        memberID,
			Subscription:    sub,
			ContentEncoding: contentEncoding,
		}
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("looking up endpoint: %w", err)
	default:
		record = existing
		record.Subscription = sub
		record.ContentEncoding = contentEncoding
		if record.MemberID == "" {
			record.MemberID = memberID
		}
	}

	if err := s.Save(ctx, record); err != nil {
		return nil, false, err
	}
	return record, created, nil
}
