package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vitwit/brpay/types"
)

// AttemptRecord is the persisted form of a PaymentAttempt.
type AttemptRecord struct {
	InvoiceID      string `gorm:"primaryKey"`
	InvoiceCode    string
	FromAddress    string `gorm:"index"`
	ToAddress      string
	TokenContract  string
	Amount         string
	Nonce          string
	Expiry         int64
	Signature      string
	IdempotencyKey string `gorm:"uniqueIndex"`
	SubmittedAt    time.Time
	CreatedAt      time.Time
}

func (AttemptRecord) TableName() string {
	return "payment_attempts"
}

type GormJournal struct {
	db *gorm.DB
}

var _ Journal = (*GormJournal)(nil)

// OpenSQLite opens (and migrates) a sqlite journal at dsn.
func OpenSQLite(dsn string) (*GormJournal, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// in-memory databases exist per connection
	sqlDB.SetMaxOpenConns(1)
	return NewGormJournal(db)
}

func NewGormJournal(db *gorm.DB) (*GormJournal, error) {
	if err := db.AutoMigrate(&AttemptRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &GormJournal{db: db}, nil
}

func (j *GormJournal) Get(ctx context.Context, invoiceID string) (*types.PaymentAttempt, error) {
	var rec AttemptRecord
	err := j.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toAttempt()
}

func (j *GormJournal) Record(ctx context.Context, attempt *types.PaymentAttempt) error {
	rec := newAttemptRecord(attempt)
	res := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newAttemptRecord(a *types.PaymentAttempt) AttemptRecord {
	auth := a.Authorization
	return AttemptRecord{
		InvoiceID:      a.ID,
		InvoiceCode:    a.InvoiceCode,
		FromAddress:    auth.From.Hex(),
		ToAddress:      auth.To.Hex(),
		TokenContract:  auth.TokenContract.Hex(),
		Amount:         bigString(auth.Amount),
		Nonce:          bigString(auth.Nonce),
		Expiry:         bigInt64(auth.Expiry),
		Signature:      a.Signature.String(),
		IdempotencyKey: a.IdempotencyKey,
		SubmittedAt:    a.SubmittedAt.UTC(),
	}
}

func (r AttemptRecord) toAttempt() (*types.PaymentAttempt, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q for %s", r.Amount, r.InvoiceID)
	}
	nonce, ok := new(big.Int).SetString(r.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt nonce %q for %s", r.Nonce, r.InvoiceID)
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("corrupt signature for %s: %w", r.InvoiceID, err)
	}
	return &types.PaymentAttempt{
		ID:          r.InvoiceID,
		InvoiceCode: r.InvoiceCode,
		Authorization: types.TransferAuthorization{
			From:          common.HexToAddress(r.FromAddress),
			To:            common.HexToAddress(r.ToAddress),
			TokenContract: common.HexToAddress(r.TokenContract),
			Amount:        amount,
			Nonce:         nonce,
			Expiry:        big.NewInt(r.Expiry),
		},
		Signature:      sig,
		IdempotencyKey: r.IdempotencyKey,
		SubmittedAt:    r.SubmittedAt,
	}, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigInt64(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	return v.Int64()
}
