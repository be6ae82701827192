package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/internal/handler"
	"trade-settlement-service/internal/middleware"
	"trade-settlement-service/internal/pqcrypto"
	"trade-settlement-service/pkg/httputil"
)

// execute はtradectlを引数付きで実行し、標準出力を返す。
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRADECTL_API_URL", "")
	t.Setenv("TRADECTL_PARTICIPANT", "")
	apiURL, participant, output = "", "", "text"

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygenAndSign(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "alice")
	if _, err := execute(t, "keygen", "--out", prefix); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	pub, err := readBase64File(prefix + ".pub")
	if err != nil {
		t.Fatalf("failed to read public key: %v", err)
	}

	tradeHash := bytes.Repeat([]byte{0xab}, 32)
	entropy := bytes.Repeat([]byte{7}, 32)
	out, err := execute(t, "sign",
		"--key", prefix+".key",
		"--trade-id", "7",
		"--trade-hash", hex.EncodeToString(tradeHash),
		"--signer", "alice",
		"--entropy", base64.StdEncoding.EncodeToString(entropy),
	)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}

	verifier, err := pqcrypto.NewVerifier(pqcrypto.DefaultScheme)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	ok, err := verifier.Verify(pub, domain.ConfirmationMessage(7, tradeHash, "alice", entropy), sig)
	if err != nil || !ok {
		t.Errorf("want valid signature, got ok=%v err=%v", ok, err)
	}
	ok, _ = verifier.Verify(pub, domain.ConfirmationMessage(7, tradeHash, "mallory", entropy), sig)
	if ok {
		t.Error("signature must not verify for another signer")
	}
}

func TestTradeGet_SendsParticipant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/trades/3" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get(middleware.ParticipantHeader); got != "buyer-1" {
			t.Errorf("want participant header buyer-1, got %q", got)
		}
		httputil.JSON(w, http.StatusOK, handler.TradeResponse{
			ID:        3,
			Buyer:     "buyer-1",
			Seller:    "seller-1",
			Commodity: "OIL",
			Quantity:  10,
			Price:     decimal.RequireFromString("12.5"),
			Status:    "PENDING",
		})
	}))
	defer srv.Close()

	out, err := execute(t, "--api-url", srv.URL, "--as", "buyer-1", "trade", "get", "3")
	if err != nil {
		t.Fatalf("trade get failed: %v", err)
	}
	if !strings.Contains(out, "Trade:      #3 (PENDING)") || !strings.Contains(out, "OIL x 10 @ 12.5") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestAPIErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.Error(w, http.StatusConflict, "INVALID_STATE", "trade is not pending")
	}))
	defer srv.Close()

	_, err := execute(t, "--api-url", srv.URL, "--as", "seller-1", "trade", "cancel", "3", "--reason", "late")
	if err == nil || !strings.Contains(err.Error(), "trade is not pending (INVALID_STATE)") {
		t.Errorf("want API error message, got %v", err)
	}
}

func TestMissingAPIURL(t *testing.T) {
	_, err := execute(t, "stats")
	if err == nil || !strings.Contains(err.Error(), "--api-url is required") {
		t.Errorf("want missing api-url error, got %v", err)
	}
}

func TestInvalidTradeID(t *testing.T) {
	if _, err := execute(t, "--api-url", "http://localhost", "trade", "get", "abc"); err == nil {
		t.Error("want error for invalid trade ID")
	}
}
