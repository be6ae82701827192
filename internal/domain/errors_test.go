package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidQuantity, "VALIDATION_ERROR"},
		{fmt.Errorf("%w: buyer equals seller", ErrSelfTrade), "SELF_TRADE"},
		{ErrExpiredKey, "INVALID_QUANTUM_KEY"},
		{ErrAlreadyConfirmed, "INVALID_STATE"},
		{ErrNotParticipant, "UNAUTHORIZED"},
		{fmt.Errorf("creating trade: %w", ErrEntropyReused), "ENTROPY_REUSED"},
		{ErrTradeNotFound, "NOT_FOUND"},
		{errors.New("connection refused"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
