package domain

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role は参加者に付与される権限を表す。
type Role string

const (
	RoleTrader Role = "TRADER"
	RoleOracle Role = "ORACLE"
	RoleAdmin  Role = "ADMIN"
)

// ParseRole はロール名を解釈する。
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleTrader, RoleOracle, RoleAdmin:
		return r, nil
	}
	return "", ErrInvalidRole
}

// RoleAssignment はロールの付与記録を表す。
type RoleAssignment struct {
	Identity  string
	Role      Role
	GrantedBy string
	GrantedAt time.Time
}

// SystemState はプラットフォーム全体の停止状態を表す。
type SystemState struct {
	Paused    bool
	UpdatedBy string
	UpdatedAt time.Time
}

// PlatformStats は決済済み取引の累積統計を表す。
type PlatformStats struct {
	Volume     int64
	Value      decimal.Decimal
	TradeCount int64
}

// Record は決済された取引を統計に加算する。
// 累積値があふれる場合は何も変更せずに ErrStatsOverflow を返す。
func (s *PlatformStats) Record(t *EnergyTrade) error {
	if t.Quantity > math.MaxInt64-s.Volume || s.TradeCount == math.MaxInt64 {
		return ErrStatsOverflow
	}
	s.Volume += t.Quantity
	s.Value = s.Value.Add(t.RequiredPayment())
	s.TradeCount++
	return nil
}

// EntropyPurpose はエントロピーを消費した操作を表す。
type EntropyPurpose string

const (
	EntropyPurposeCreate  EntropyPurpose = "create"
	EntropyPurposeConfirm EntropyPurpose = "confirm"
)

// EntropyRecord は消費済みエントロピーの記録。生の値ではなくダイジェストを保持する。
type EntropyRecord struct {
	Digest     string
	Purpose    EntropyPurpose
	Consumer   string
	TradeID    uint64
	ConsumedAt time.Time
}
