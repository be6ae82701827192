// Package pqcrypto はcirclによる耐量子署名の生成と検証を提供する。
package pqcrypto

import (
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

// DefaultScheme はFIPS 204のML-DSA-65。
const DefaultScheme = "ML-DSA-65"

// Verifier は登録済み公開鍵で署名を検証する。
type Verifier struct {
	scheme sign.Scheme
}

// NewVerifier は指定された署名方式のVerifierを生成する。
func NewVerifier(name string) (*Verifier, error) {
	scheme, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return &Verifier{scheme: scheme}, nil
}

func lookup(name string) (sign.Scheme, error) {
	if name == "" {
		name = DefaultScheme
	}
	scheme := schemes.ByName(name)
	if scheme == nil {
		return nil, fmt.Errorf("unsupported signature scheme %q", name)
	}
	return scheme, nil
}

// Scheme は署名方式名を返す。
func (v *Verifier) Scheme() string {
	return v.scheme.Name()
}

// Verify は公開鍵・メッセージ・署名の組を検証する。
// 公開鍵が方式に適合しない場合はエラーを返す。
func (v *Verifier) Verify(publicKey, message, signature []byte) (bool, error) {
	pk, err := v.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false, fmt.Errorf("parsing %s public key: %w", v.scheme.Name(), err)
	}
	if len(signature) != v.scheme.SignatureSize() {
		return false, nil
	}
	return v.scheme.Verify(pk, message, signature, nil), nil
}

// KeyPair はバイナリ表現の鍵ペア。
type KeyPair struct {
	Scheme     string
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair は新しい鍵ペアを生成する。
func GenerateKeyPair(name string) (*KeyPair, error) {
	scheme, err := lookup(name)
	if err != nil {
		return nil, err
	}
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return &KeyPair{Scheme: scheme.Name(), PublicKey: pkBytes, PrivateKey: skBytes}, nil
}

// Sign は秘密鍵でメッセージに署名する。
func Sign(name string, privateKey, message []byte) ([]byte, error) {
	scheme, err := lookup(name)
	if err != nil {
		return nil, err
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return scheme.Sign(sk, message, nil), nil
}
