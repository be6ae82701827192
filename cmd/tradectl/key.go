package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/internal/handler"
	"trade-settlement-service/internal/pqcrypto"
)

// keygenCmd は耐量子署名の鍵ペアをローカルに生成する。
func keygenCmd() *cobra.Command {
	var scheme, out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a post-quantum signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := pqcrypto.GenerateKeyPair(scheme)
			if err != nil {
				return err
			}
			if err := writeBase64File(out+".pub", kp.PublicKey, 0o644); err != nil {
				return err
			}
			if err := writeBase64File(out+".key", kp.PrivateKey, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s key pair: %s.pub, %s.key\n", kp.Scheme, out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", pqcrypto.DefaultScheme, "Signature scheme")
	cmd.Flags().StringVar(&out, "out", "participant", "Output file prefix")
	return cmd
}

// signCmd は取引確認メッセージにオフラインで署名する。
func signCmd() *cobra.Command {
	var (
		scheme, keyFile, tradeHash, signer, entropyB64 string
		tradeID                                        uint64
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a trade confirmation message offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := hex.DecodeString(tradeHash)
			if err != nil {
				return fmt.Errorf("--trade-hash must be hex: %w", err)
			}
			entropy, err := base64.StdEncoding.DecodeString(entropyB64)
			if err != nil {
				return fmt.Errorf("--entropy must be base64: %w", err)
			}
			sk, err := readBase64File(keyFile)
			if err != nil {
				return err
			}
			sig, err := pqcrypto.Sign(scheme, sk, domain.ConfirmationMessage(tradeID, hash, signer, entropy))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sig))
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", pqcrypto.DefaultScheme, "Signature scheme")
	cmd.Flags().StringVar(&keyFile, "key", "participant.key", "Private key file (base64)")
	cmd.Flags().Uint64Var(&tradeID, "trade-id", 0, "Trade ID (required)")
	cmd.Flags().StringVar(&tradeHash, "trade-hash", "", "Quantum trade hash in hex (required)")
	cmd.Flags().StringVar(&signer, "signer", "", "Signer participant ID (required)")
	cmd.Flags().StringVar(&entropyB64, "entropy", "", "Confirmation entropy in base64 (required)")
	cmd.MarkFlagRequired("trade-id")
	cmd.MarkFlagRequired("trade-hash")
	cmd.MarkFlagRequired("signer")
	cmd.MarkFlagRequired("entropy")
	return cmd
}

// keyCmd は量子鍵レジストリの操作コマンド。
func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage quantum keys",
	}
	cmd.AddCommand(keyRegisterCmd(), keyGetCmd(), keyDeactivateCmd(), keyExpireCmd())
	return cmd
}

func printKey(w io.Writer, k handler.KeyResponse) {
	status := "active"
	if !k.IsActive {
		status = "inactive"
	}
	fmt.Fprintf(w, "Owner:      %s\n", k.Owner)
	fmt.Fprintf(w, "Status:     %s\n", status)
	fmt.Fprintf(w, "Usage:      %d\n", k.UsageCount)
	fmt.Fprintf(w, "Created:    %s\n", k.CreatedAt)
	fmt.Fprintf(w, "Expires:    %s\n", k.ExpiresAt)
}

func keyRegisterCmd() *cobra.Command {
	var pubFile string
	var validity time.Duration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the caller's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := readBase64File(pubFile)
			if err != nil {
				return err
			}
			body, err := callAPI(http.MethodPost, "/v1/keys", handler.RegisterKeyRequest{
				PublicKey:       base64.StdEncoding.EncodeToString(pk),
				ValiditySeconds: int64(validity.Seconds()),
			}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printKey)
		},
	}
	cmd.Flags().StringVar(&pubFile, "public-key", "participant.pub", "Public key file (base64)")
	cmd.Flags().DurationVar(&validity, "validity", 30*24*time.Hour, "Key validity period")
	return cmd
}

func keyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get OWNER",
		Short: "Show a registered key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printKey)
		},
	}
}

func keyDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate OWNER",
		Short: "Deactivate a registered key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodDelete, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printKey)
		},
	}
}

func keyExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Deactivate all expired keys (oracle)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/keys/expire", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, r handler.ExpireKeysResponse) {
				fmt.Fprintf(w, "Expired %d key(s)\n", r.Expired)
			})
		},
	}
}

// entropyCmd はサービスのエントロピー供給元から乱数を取得する。
func entropyCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "entropy",
		Short: "Fetch fresh entropy from the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, fmt.Sprintf("/v1/entropy?size=%d", size), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, r handler.EntropyResponse) {
				fmt.Fprintln(w, r.Entropy)
			})
		},
	}
	cmd.Flags().IntVar(&size, "size", 32, "Number of bytes")
	return cmd
}

// randomEntropy はローカルのCSPRNGで使い捨てエントロピーを生成する。
func randomEntropy() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating entropy: %w", err)
	}
	return b, nil
}

func writeBase64File(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(data)+"\n"), perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func readBase64File(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return b, nil
}
