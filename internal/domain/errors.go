package domain

import (
	"errors"
	"fmt"
)

// エラー種別。個別のエラーはいずれかの種別を%wでラップしているため、
// 呼び出し側は errors.Is で種別を判定できる。
var (
	// ErrValidation は入力値（数量・価格・日付・鍵長など）が不正な場合のエラー。
	ErrValidation = errors.New("validation error")

	// ErrSelfTrade は買い手と売り手が同一の場合のエラー。
	ErrSelfTrade = errors.New("self trade")

	// ErrInvalidQuantumKey は量子鍵が未登録・失効・無効化済みの場合のエラー。
	ErrInvalidQuantumKey = errors.New("invalid quantum key")

	// ErrSignatureInvalid は署名検証に失敗した場合のエラー。
	ErrSignatureInvalid = errors.New("quantum signature verification failed")

	// ErrEntropyReused はエントロピーが既に消費済みの場合のエラー。
	ErrEntropyReused = errors.New("entropy already used")

	// ErrUnauthorized は呼び出し元に必要なロールや権限がない場合のエラー。
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSystemPaused はシステム停止中に更新操作が呼ばれた場合のエラー。
	ErrSystemPaused = errors.New("system paused")

	// ErrInvalidState は現在の状態では実行できない操作の場合のエラー。
	ErrInvalidState = errors.New("invalid state")

	// ErrIncorrectPayment は支払額が quantity × price と一致しない場合のエラー。
	ErrIncorrectPayment = errors.New("incorrect payment")

	// ErrInsufficientFunds は買い手の残高が不足している場合のエラー。
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound は取引や鍵が存在しない場合のエラー。
	ErrNotFound = errors.New("not found")
)

var (
	ErrInvalidIdentity       = fmt.Errorf("%w: invalid participant identity", ErrValidation)
	ErrInvalidKeyLength      = fmt.Errorf("%w: public key length out of range", ErrValidation)
	ErrInvalidValidity       = fmt.Errorf("%w: validity period must be positive", ErrValidation)
	ErrValidityPeriodTooLong = fmt.Errorf("%w: validity period exceeds 365 days", ErrValidation)
	ErrInvalidEntropy        = fmt.Errorf("%w: entropy too short", ErrValidation)
	ErrInvalidCommodity      = fmt.Errorf("%w: unknown commodity", ErrValidation)
	ErrInvalidQuantity       = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrInvalidPrice          = fmt.Errorf("%w: price must be positive", ErrValidation)
	ErrInvalidDeliveryDate   = fmt.Errorf("%w: delivery date must be in the future", ErrValidation)
	ErrInvalidReason         = fmt.Errorf("%w: cancellation reason is required", ErrValidation)
	ErrInvalidAmount         = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidRole           = fmt.Errorf("%w: unknown role", ErrValidation)

	ErrKeyNotFound = fmt.Errorf("%w: quantum key", ErrNotFound)
	ErrMissingKey  = fmt.Errorf("%w: key not registered", ErrInvalidQuantumKey)
	ErrExpiredKey  = fmt.Errorf("%w: key expired", ErrInvalidQuantumKey)
	ErrInactiveKey = fmt.Errorf("%w: key inactive", ErrInvalidQuantumKey)

	ErrTradeNotFound          = fmt.Errorf("%w: trade", ErrNotFound)
	ErrTradeNotPending        = fmt.Errorf("%w: trade is not pending", ErrInvalidState)
	ErrTradeNotConfirmed      = fmt.Errorf("%w: trade is not confirmed", ErrInvalidState)
	ErrTradeNotCancellable    = fmt.Errorf("%w: trade can no longer be cancelled", ErrInvalidState)
	ErrAlreadyConfirmed       = fmt.Errorf("%w: party already confirmed", ErrInvalidState)
	ErrDeliveryDateNotReached = fmt.Errorf("%w: delivery date not reached", ErrInvalidState)
	ErrStatsOverflow          = fmt.Errorf("%w: settled volume would overflow", ErrInvalidState)

	ErrAlreadyPaused  = fmt.Errorf("%w: system already paused", ErrInvalidState)
	ErrNotPaused      = fmt.Errorf("%w: system is not paused", ErrInvalidState)
	ErrLastAdmin      = fmt.Errorf("%w: cannot revoke the last admin", ErrInvalidState)
	ErrNotParticipant = fmt.Errorf("%w: caller is not a trade participant", ErrUnauthorized)

	// ErrEventChainBroken はイベントログのハッシュチェーンが改ざんされている場合のエラー。
	ErrEventChainBroken = errors.New("event chain broken")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrSelfTrade, "SELF_TRADE"},
	{ErrValidation, "VALIDATION_ERROR"},
	{ErrInvalidQuantumKey, "INVALID_QUANTUM_KEY"},
	{ErrSignatureInvalid, "SIGNATURE_INVALID"},
	{ErrEntropyReused, "ENTROPY_REUSED"},
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrSystemPaused, "SYSTEM_PAUSED"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrIncorrectPayment, "INCORRECT_PAYMENT"},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrEventChainBroken, "EVENT_CHAIN_BROKEN"},
}

// ErrorCode はエラー種別に対応する安定したコードを返す。
// nil は空文字、種別に該当しないエラーは INTERNAL_ERROR となる。
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}
