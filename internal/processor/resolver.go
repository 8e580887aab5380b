package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrUnknownAccount indicates no configuration exists for a processor id.
// It is distinct from transient lookup failures, which surface as wrapped
// driver errors.
var ErrUnknownAccount = errors.New("unknown processor account")

// AccountConfig is the merchant-account configuration required to
// authenticate notifications from the provider.
type AccountConfig struct {
	ProcessorID string `json:"processorId"`
	APIKey      string `json:"apiKey"`
	Label       string `json:"label,omitempty"`
}

// Resolver looks up merchant-account configuration by processor id.
type Resolver interface {
	Resolve(ctx context.Context, processorID string) (AccountConfig, error)
}

// StaticResolver serves accounts from a fixed map, typically parsed from
// the environment. Suited to single-merchant deployments.
type StaticResolver struct {
	accounts map[string]AccountConfig
}

// NewStaticResolver builds a resolver over the given accounts.
func NewStaticResolver(accounts []AccountConfig) *StaticResolver {
	m := make(map[string]AccountConfig, len(accounts))
	for _, acc := range accounts {
		if acc.ProcessorID == "" {
			continue
		}
		m[acc.ProcessorID] = acc
	}
	return &StaticResolver{accounts: m}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, processorID string) (AccountConfig, error) {
	acc, ok := r.accounts[processorID]
	if !ok {
		return AccountConfig{}, ErrUnknownAccount
	}
	return acc, nil
}

// accountRow backs the processor_accounts table.
type accountRow struct {
	ProcessorID string    `gorm:"column:processor_id;primaryKey;type:varchar(64)"`
	APIKey      string    `gorm:"column:api_key;type:varchar(256);not null"`
	Label       string    `gorm:"column:label;type:varchar(128)"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (accountRow) TableName() string {
	return "processor_accounts"
}

// DBResolver reads merchant accounts from the relational database shared
// with the transaction store.
type DBResolver struct {
	db *gorm.DB
}

// NewDBResolver migrates the accounts table and returns a resolver over it.
func NewDBResolver(db *gorm.DB) (*DBResolver, error) {
	if err := db.AutoMigrate(&accountRow{}); err != nil {
		return nil, fmt.Errorf("migrate processor accounts: %w", err)
	}
	return &DBResolver{db: db}, nil
}

// Resolve implements Resolver.
func (r *DBResolver) Resolve(ctx context.Context, processorID string) (AccountConfig, error) {
	var row accountRow
	err := r.db.WithContext(ctx).
		Where("processor_id = ?", processorID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccountConfig{}, ErrUnknownAccount
	}
	if err != nil {
		return AccountConfig{}, fmt.Errorf("resolve account: %w", err)
	}
	return AccountConfig{
		ProcessorID: row.ProcessorID,
		APIKey:      row.APIKey,
		Label:       row.Label,
	}, nil
}

// CachedResolver layers a read-only Redis cache over another resolver.
// Unknown accounts are never cached so newly configured processors become
// visible immediately; cache failures fall through to the inner resolver.
type CachedResolver struct {
	inner Resolver
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedResolver wraps inner with a Redis cache. A nil client disables
// caching entirely.
func NewCachedResolver(inner Resolver, rdb *redis.Client, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResolver{inner: inner, rdb: rdb, ttl: ttl}
}

// Resolve implements Resolver.
func (r *CachedResolver) Resolve(ctx context.Context, processorID string) (AccountConfig, error) {
	if r.rdb == nil {
		return r.inner.Resolve(ctx, processorID)
	}

	key := cacheKey(processorID)
	if data, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
		var acc AccountConfig
		if err := json.Unmarshal(data, &acc); err == nil {
			return acc, nil
		}
	}

	acc, err := r.inner.Resolve(ctx, processorID)
	if err != nil {
		return AccountConfig{}, err
	}

	if data, err := json.Marshal(acc); err == nil {
		r.rdb.Set(ctx, key, data, r.ttl)
	}
	return acc, nil
}

func cacheKey(processorID string) string {
	return "ipn:account:" + processorID
}
