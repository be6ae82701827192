// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"gorm.io/gorm"
)

type txKey struct{}

// Transactor はトランザクション境界を提供する。
// トランザクションはcontextで伝搬し、各リポジトリは conn で取り出す。
type Transactor struct {
	db *gorm.DB
}

// NewTransactor は新しいTransactorを生成する。
func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// WithinTransaction はfnをSERIALIZABLE分離レベルの単一トランザクションで実行する。
// fnがエラーを返した場合は全ての変更がロールバックされる。
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// conn はcontextにトランザクションがあればそれを、なければ通常の接続を返す。
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}

// isDuplicateKey は一意制約違反かを判定する。
func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// AutoMigrate は全モデルのテーブルを作成する。開発環境とテスト用。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&QuantumKeyModel{},
		&TradeModel{},
		&EntropyModel{},
		&RoleAssignmentModel{},
		&SystemStateModel{},
		&PlatformStatsModel{},
		&AccountModel{},
		&EventModel{},
		&SchemaMigrationModel{},
	)
}
