package domain

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"

	"golang.org/x/crypto/sha3"
)

// 各フィールドは長さ接頭辞付きで書き込み、連結の曖昧さをなくす。
type digest struct {
	h hash.Hash
}

func newDigest(domainTag string) *digest {
	d := &digest{h: sha3.New256()}
	d.bytes([]byte(domainTag))
	return d
}

func (d *digest) bytes(b []byte) *digest {
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(b)))
	d.h.Write(l[:])
	d.h.Write(b)
	return d
}

func (d *digest) str(s string) *digest { return d.bytes([]byte(s)) }

func (d *digest) u64(v uint64) *digest {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return d.bytes(b[:])
}

func (d *digest) i64(v int64) *digest { return d.u64(uint64(v)) }

func (d *digest) sum() []byte { return d.h.Sum(nil) }

// TradeHash は取引の全フィールドと鮮度要素（作成時刻とエントロピー）から量子取引ハッシュを計算する。
func TradeHash(t *EnergyTrade, entropy []byte) []byte {
	return newDigest("qrl-trade-v1").
		u64(t.ID).
		str(t.Buyer).
		str(t.Seller).
		str(string(t.Commodity)).
		i64(t.Quantity).
		str(t.Price.String()).
		i64(t.DeliveryDate.UnixNano()).
		i64(t.CreatedAt.UnixNano()).
		bytes(entropy).
		sum()
}

// ConfirmationMessage は当事者が署名すべきメッセージ
// H(tradeId, quantumTradeHash, signer, entropy) を返す。
func ConfirmationMessage(tradeID uint64, tradeHash []byte, signer string, entropy []byte) []byte {
	return newDigest("qrl-confirm-v1").
		u64(tradeID).
		bytes(tradeHash).
		str(signer).
		bytes(entropy).
		sum()
}

// EntropyDigest は消費済み集合に記録するエントロピーのダイジェストを返す。
func EntropyDigest(entropy []byte) string {
	sum := sha3.Sum256(entropy)
	return hex.EncodeToString(sum[:])
}

// EventHash はイベントのハッシュチェーン値を計算する。
func EventHash(e *Event) []byte {
	return newDigest("qrl-event-v1").
		bytes(e.PrevHash).
		u64(e.Sequence).
		str(e.ID).
		str(string(e.Type)).
		u64(e.TradeID).
		str(e.Actor).
		bytes(canonicalJSON(e.Payload)).
		i64(e.CreatedAt.UnixNano()).
		sum()
}

// canonicalJSON はキー順と空白を正規化する。DBのJSON型が書式を変えてもハッシュが一致する。
func canonicalJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
