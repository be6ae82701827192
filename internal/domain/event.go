package domain

import (
	"encoding/json"
	"time"
)

// EventType はイベントログに記録される変更通知の種別。
type EventType string

const (
	EventKeyRegistered            EventType = "KeyRegistered"
	EventKeyDeactivated           EventType = "KeyDeactivated"
	EventTradeCreated             EventType = "TradeCreated"
	EventQuantumSignatureVerified EventType = "QuantumSignatureVerified"
	EventTradeConfirmed           EventType = "TradeConfirmed"
	EventTradeSettled             EventType = "TradeSettled"
	EventTradeCancelled           EventType = "TradeCancelled"
	EventSystemPaused             EventType = "SystemPaused"
	EventSystemUnpaused           EventType = "SystemUnpaused"
	EventRoleGranted              EventType = "RoleGranted"
	EventRoleRevoked              EventType = "RoleRevoked"
	EventAccountCredited          EventType = "AccountCredited"
)

// Event はハッシュチェーンで連結された追記専用のイベント。
// 購読側はIDで重複排除する。
type Event struct {
	Sequence  uint64
	ID        string
	Type      EventType
	TradeID   uint64
	Actor     string
	Payload   json.RawMessage
	PrevHash  []byte
	Hash      []byte
	CreatedAt time.Time
}

// ChainReport はハッシュチェーン検証の結果。
type ChainReport struct {
	Events   int
	HeadHash []byte
}

// EventFilter はイベント一覧の絞り込み条件。
type EventFilter struct {
	AfterSequence uint64
	TradeID       uint64
	Limit         int
}
