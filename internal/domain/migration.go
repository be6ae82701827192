package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は埋め込みSQLファイル1つ分のスキーマ変更。
// Version はファイル名の先頭（"001" など）で、この順に適用される。
type Migration struct {
	Version   string
	Name      string
	Path      string
	Status    MigrationStatus
	AppliedAt *time.Time
}

// MarkApplied は適用済みとして記録する。
func (m *Migration) MarkApplied(at time.Time) {
	m.Status = MigrationStatusApplied
	m.AppliedAt = &at
}

// IsApplied は適用済みかを返す。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied
}
