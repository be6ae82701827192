package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trade-settlement-service/internal/domain"
)

// AccountModel は決済用の残高台帳。
type AccountModel struct {
	Owner     string    `gorm:"type:varchar(64);primaryKey"`
	Balance   string    `gorm:"type:varchar(64);not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (AccountModel) TableName() string {
	return "accounts"
}

// AccountRepository は残高台帳による決済レールを提供する。
// 呼び出し側のトランザクション内で実行され、取引の状態遷移と同時にコミットされる。
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository は新しいAccountRepositoryを生成する。
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// load は口座を行ロック付きで取得する。存在しない場合は残高ゼロの口座を返す。
func (r *AccountRepository) load(ctx context.Context, owner string) (*AccountModel, error) {
	var model AccountModel
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner = ?", owner).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &AccountModel{Owner: owner, Balance: decimal.Zero.String()}, nil
		}
		return nil, err
	}
	return &model, nil
}

func (r *AccountRepository) store(ctx context.Context, model *AccountModel) error {
	return conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).
		Create(model).Error
}

// Balance は残高を返す。
func (r *AccountRepository) Balance(ctx context.Context, owner string) (decimal.Decimal, error) {
	model, err := r.load(ctx, owner)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load account",
			"operation", "balance",
			"owner", owner,
			"error", err,
		)
		return decimal.Zero, err
	}
	return decimal.NewFromString(model.Balance)
}

// Credit は口座に入金し、入金後の残高を返す。
func (r *AccountRepository) Credit(ctx context.Context, owner string, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	model, err := r.load(ctx, owner)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load account",
			"operation", "credit",
			"owner", owner,
			"error", err,
		)
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(model.Balance)
	if err != nil {
		return decimal.Zero, err
	}
	balance = balance.Add(amount)
	model.Balance = balance.String()
	model.UpdatedAt = now
	if err := r.store(ctx, model); err != nil {
		slog.ErrorContext(ctx, "failed to credit account",
			"operation", "credit",
			"owner", owner,
			"error", err,
		)
		return decimal.Zero, err
	}
	return balance, nil
}

// Transfer はfromからtoへ送金する。残高不足の場合は domain.ErrInsufficientFunds を返す。
func (r *AccountRepository) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	src, err := r.load(ctx, from)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load source account",
			"operation", "transfer",
			"owner", from,
			"error", err,
		)
		return err
	}
	srcBalance, err := decimal.NewFromString(src.Balance)
	if err != nil {
		return err
	}
	if srcBalance.LessThan(amount) {
		return domain.ErrInsufficientFunds
	}

	dst, err := r.load(ctx, to)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load destination account",
			"operation", "transfer",
			"owner", to,
			"error", err,
		)
		return err
	}
	dstBalance, err := decimal.NewFromString(dst.Balance)
	if err != nil {
		return err
	}

	src.Balance = srcBalance.Sub(amount).String()
	src.UpdatedAt = now
	dst.Balance = dstBalance.Add(amount).String()
	dst.UpdatedAt = now

	for _, m := range []*AccountModel{src, dst} {
		if err := r.store(ctx, m); err != nil {
			slog.ErrorContext(ctx, "failed to store account",
				"operation", "transfer",
				"owner", m.Owner,
				"error", err,
			)
			return err
		}
	}
	return nil
}
