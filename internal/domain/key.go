// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"regexp"
	"time"
)

const (
	// MinPublicKeyLength は登録可能な公開鍵の最小バイト長。
	MinPublicKeyLength = 32
	// MaxPublicKeyLength は登録可能な公開鍵の最大バイト長。
	MaxPublicKeyLength = 8192
	// MaxValidityPeriod は鍵の有効期間の上限。
	MaxValidityPeriod = 365 * 24 * time.Hour
)

var identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,64}$`)

// ValidateIdentity は参加者IDの形式を検証する。
func ValidateIdentity(id string) error {
	if !identityRegex.MatchString(id) {
		return ErrInvalidIdentity
	}
	return nil
}

// QuantumKey は参加者ごとの耐量子公開鍵を表す。
type QuantumKey struct {
	ID         string
	Owner      string
	PublicKey  []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsActive   bool
	UsageCount uint64
}

// NewQuantumKey は有効期間を検証して新しい鍵を生成する。
func NewQuantumKey(owner string, publicKey []byte, validity time.Duration, now time.Time) (*QuantumKey, error) {
	if err := ValidateIdentity(owner); err != nil {
		return nil, err
	}
	if len(publicKey) < MinPublicKeyLength || len(publicKey) > MaxPublicKeyLength {
		return nil, ErrInvalidKeyLength
	}
	if validity <= 0 {
		return nil, ErrInvalidValidity
	}
	if validity > MaxValidityPeriod {
		return nil, ErrValidityPeriodTooLong
	}
	pk := make([]byte, len(publicKey))
	copy(pk, publicKey)
	return &QuantumKey{
		Owner:     owner,
		PublicKey: pk,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
		IsActive:  true,
	}, nil
}

// Usable は鍵が署名検証に使える状態かを確認する。
func (k *QuantumKey) Usable(now time.Time) error {
	if k == nil {
		return ErrMissingKey
	}
	if !k.IsActive {
		return ErrInactiveKey
	}
	if now.After(k.ExpiresAt) {
		return ErrExpiredKey
	}
	return nil
}

// TouchUsage は使用回数を加算する。使用不可の鍵は変更しない。
func (k *QuantumKey) TouchUsage(now time.Time) error {
	if err := k.Usable(now); err != nil {
		return err
	}
	k.UsageCount++
	return nil
}
