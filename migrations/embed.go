// Package migrations はバイナリに埋め込むスキーマ定義SQLを提供する。
package migrations

import "embed"

// FS は {version}_{name}.sql 形式のマイグレーションファイル。
//
//go:embed *.sql
var FS embed.FS
