// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trade-settlement-service/internal/middleware"
)

const version = "1.0.0"

var (
	apiURL      string
	participant string
	output      string
	timeout     time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tradectl",
		Short: "Trade Settlement Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("TRADECTL_API_URL")
			}
			if participant == "" {
				participant = os.Getenv("TRADECTL_PARTICIPANT")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set TRADECTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&participant, "as", "", "Participant ID sent as "+middleware.ParticipantHeader+" (or set TRADECTL_PARTICIPANT)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(entropyCmd())
	rootCmd.AddCommand(tradeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(systemCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tradectl version %s\n", version)
		},
	}
}

// callAPI はAPIを呼び出し、wantStatus以外の応答はエラーとして返す。
// bodyがnilでない場合はJSONとして送信する。
func callAPI(method, path string, body any, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set TRADECTL_API_URL)")
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, apiURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if participant != "" {
		req.Header.Set(middleware.ParticipantHeader, participant)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// printResult は--output=jsonなら応答をそのまま、そうでなければtextで表示する。
func printResult[T any](cmd *cobra.Command, body []byte, text func(w io.Writer, v T)) error {
	if output == "json" {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	text(cmd.OutOrStdout(), v)
	return nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
