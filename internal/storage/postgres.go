package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/coinward/ipn/internal/domain"
)

// transactionRow is the gorm model backing the payment_transactions table.
type transactionRow struct {
	InvoiceID      string          `gorm:"column:invoice_id;primaryKey;type:varchar(128)"`
	ContributionID string          `gorm:"column:contribution_id;type:varchar(64);not null"`
	Kind           string          `gorm:"column:kind;type:varchar(16);not null"`
	Status         string          `gorm:"column:status;type:varchar(16);not null;index"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(20,8);not null"`
	ContextIDs     datatypes.JSON  `gorm:"column:context_ids;type:jsonb;default:'{}'"`
	LastPayload    datatypes.JSON  `gorm:"column:last_payload;type:jsonb"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (transactionRow) TableName() string {
	return "payment_transactions"
}

// PostgresStore persists transaction records in Postgres. The per-key
// critical section required by Update is a SELECT ... FOR UPDATE row lock
// inside a database transaction.
type PostgresStore struct {
	db *gorm.DB
}

// Options configures the Postgres connection.
type Options struct {
	DSN          string
	MaxOpenConns int
}

// NewPostgresStore connects to Postgres and migrates the schema.
func NewPostgresStore(opts Options) (*PostgresStore, error) {
	if opts.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.AutoMigrate(&transactionRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for collaborators that share the
// connection (account lookups, health probes).
func (s *PostgresStore) DB() *gorm.DB {
	return s.db
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, invoiceID string) (domain.Transaction, error) {
	var row transactionRow
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Transaction{}, ErrNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("load transaction: %w", err)
	}
	return rowToDomain(row)
}

// Save implements Store as an upsert keyed by invoice id.
func (s *PostgresStore) Save(ctx context.Context, tx domain.Transaction) error {
	row, err := domainToRow(tx)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "invoice_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

// Update implements Store. The row is locked FOR UPDATE for the duration of
// fn so concurrent notifications for the same invoice serialise here.
func (s *PostgresStore) Update(ctx context.Context, invoiceID string, fn UpdateFunc) (domain.Transaction, error) {
	var out domain.Transaction

	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		var row transactionRow
		err := dbtx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("invoice_id = ?", invoiceID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}

		current, err := rowToDomain(row)
		if err != nil {
			return err
		}

		persist, err := fn(&current)
		if err != nil {
			return err
		}
		out = current
		if !persist {
			return nil
		}

		updated, err := domainToRow(current)
		if err != nil {
			return err
		}
		if err := dbtx.Save(&updated).Error; err != nil {
			return fmt.Errorf("persist transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return out, nil
}

// ListNonTerminal implements Store.
func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]domain.Transaction, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.StatusNew), string(domain.StatusPending)}).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list non-terminal transactions: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := rowToDomain(row)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Ping verifies database connectivity for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func rowToDomain(row transactionRow) (domain.Transaction, error) {
	var ids domain.ContextIDs
	if len(row.ContextIDs) > 0 {
		if err := json.Unmarshal(row.ContextIDs, &ids); err != nil {
			return domain.Transaction{}, fmt.Errorf("decode context ids: %w", err)
		}
	}
	return domain.Transaction{
		InvoiceID:      row.InvoiceID,
		ContributionID: row.ContributionID,
		Kind:           domain.Kind(row.Kind),
		Status:         domain.Status(row.Status),
		Amount:         row.Amount,
		ContextIDs:     ids,
		LastPayload:    []byte(row.LastPayload),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func domainToRow(tx domain.Transaction) (transactionRow, error) {
	ids, err := json.Marshal(tx.ContextIDs)
	if err != nil {
		return transactionRow{}, fmt.Errorf("encode context ids: %w", err)
	}
	return transactionRow{
		InvoiceID:      tx.InvoiceID,
		ContributionID: tx.ContributionID,
		Kind:           string(tx.Kind),
		Status:         string(tx.Status),
		Amount:         tx.Amount,
		ContextIDs:     datatypes.JSON(ids),
		LastPayload:    datatypes.JSON(tx.LastPayload),
		CreatedAt:      tx.CreatedAt,
		UpdatedAt:      tx.UpdatedAt,
	}, nil
}
