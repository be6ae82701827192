package infra

import (
	"context"
	"crypto/rand"
	"fmt"
)

// SystemEntropy はOSのCSPRNGをエントロピー供給元として使う。
type SystemEntropy struct{}

// Generate はnバイトの乱数を返す。
func (SystemEntropy) Generate(ctx context.Context, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading system randomness: %w", err)
	}
	return b, nil
}
