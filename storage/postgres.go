package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imjasonh/pwapush"
)

// subscriptionModel is the gorm mapping of a Record.
type subscriptionModel struct {
	ID              string  `gorm:"primaryKey"`
	MemberID        *string `gorm:"index"`
	Endpoint        string  `gorm:"uniqueIndex;not null"`
	P256dh          string  `gorm:"not null"`
	Auth            string  `gorm:"not null"`
	ContentEncoding string  `gorm:"not null;default:aes128gcm"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (subscriptionModel) TableName() string { return "push_subscriptions" }

func toModel(r *Record) subscriptionModel {
	m := subscriptionModel{
		ID:              r.ID,
		Endpoint:        r.Subscription.Endpoint,
		P256dh:          r.Subscription.Keys.P256dh,
		Auth:            r.Subscription.Keys.Auth,
		ContentEncoding: r.ContentEncoding,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if m.ContentEncoding == "" {
		m.ContentEncoding = "aes128gcm"
	}
	if r.MemberID != "" {
		id := r.MemberID
		m.MemberID = &id
	}
	return m
}

func (m subscriptionModel) record() *Record {
	r := &Record{
		ID:              m.ID,
		ContentEncoding: m.ContentEncoding,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		Subscription: &pwapush.Subscription{
			Endpoint: m.Endpoint,
			Keys:     pwapush.Keys{P256dh: m.P256dh, Auth: m.Auth},
		},
	}
	if m.MemberID != nil {
		r.MemberID = *m.MemberID
	}
	return r
}

// Postgres implements storage on PostgreSQL using gorm.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the subscriptions table.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return NewPostgres(db)
}

// NewPostgres wraps an existing gorm connection.
func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(&subscriptionModel{}); err != nil {
		return nil, fmt.Errorf("migrating subscriptions: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Save stores or updates a subscription. A different record with the
// same endpoint is replaced.
func (p *Postgres) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m := toModel(record)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ? AND id <> ?", m.Endpoint, m.ID).Delete(&subscriptionModel{}).Error; err != nil {
			return fmt.Errorf("replacing endpoint: %w", err)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"member_id", "endpoint", "p256dh", "auth", "content_encoding", "updated_at"}),
		}).Create(&m).Error
		if err != nil {
			return fmt.Errorf("saving subscription: %w", err)
		}
		return nil
	})
}

func (p *Postgres) first(ctx context.Context, query string, arg any) (*Record, error) {
	var m subscriptionModel
	err := p.db.WithContext(ctx).Where(query, arg).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return m.record(), nil
}

// Get retrieves a subscription by ID.
func (p *Postgres) Get(ctx context.Context, id string) (*Record, error) {
	return p.first(ctx, "id = ?", id)
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (p *Postgres) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	return p.first(ctx, "endpoint = ?", endpoint)
}

// GetByMemberIDs retrieves all subscriptions for the given members.
func (p *Postgres) GetByMemberIDs(ctx context.Context, memberIDs ...string) ([]*Record, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	var ms []subscriptionModel
	if err := p.db.WithContext(ctx).Where("member_id IN ?", memberIDs).Order("created_at, id").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return fromModels(ms), nil
}

func (p *Postgres) delete(ctx context.Context, query string, arg any) error {
	result := p.db.WithContext(ctx).Where(query, arg).Delete(&subscriptionModel{})
	if result.Error != nil {
		return fmt.Errorf("deleting subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a subscription by ID.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	return p.delete(ctx, "id = ?", id)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (p *Postgres) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return p.delete(ctx, "endpoint = ?", endpoint)
}

// List returns all subscriptions with pagination.
func (p *Postgres) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	var ms []subscriptionModel
	if err := p.db.WithContext(ctx).Order("created_at, id").Limit(limit).Offset(offset).Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return fromModels(ms), nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromModels(ms []subscriptionModel) []*Record {
	out := make([]*Record, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.record())
	}
	return out
}
