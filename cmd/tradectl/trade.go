package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-settlement-service/internal/domain"
	"trade-settlement-service/internal/handler"
	"trade-settlement-service/internal/pqcrypto"
)

// tradeCmd は取引ライフサイクルの操作コマンド。
func tradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Create, confirm, settle and cancel trades",
	}
	cmd.AddCommand(
		tradeCreateCmd(),
		tradeGetCmd(),
		tradeListCmd(),
		tradeConfirmCmd(),
		tradeSettleCmd(),
		tradeCancelCmd(),
	)
	return cmd
}

func printTrade(w io.Writer, t handler.TradeResponse) {
	fmt.Fprintf(w, "Trade:      #%d (%s)\n", t.ID, t.Status)
	fmt.Fprintf(w, "Buyer:      %s\n", t.Buyer)
	fmt.Fprintf(w, "Seller:     %s\n", t.Seller)
	fmt.Fprintf(w, "Commodity:  %s x %d @ %s\n", t.Commodity, t.Quantity, t.Price)
	fmt.Fprintf(w, "Payment:    %s\n", t.RequiredPayment)
	fmt.Fprintf(w, "Delivery:   %s\n", t.DeliveryDate)
	fmt.Fprintf(w, "Hash:       %s\n", t.QuantumTradeHash)
	fmt.Fprintf(w, "Verified:   %t\n", t.QuantumVerified)
	if t.SettledAt != "" {
		fmt.Fprintf(w, "Settled:    %s\n", t.SettledAt)
	}
	if t.CancelledAt != "" {
		fmt.Fprintf(w, "Cancelled:  %s by %s (%s)\n", t.CancelledAt, t.CancelledBy, t.CancelReason)
	}
}

func tradePath(id uint64, action string) string {
	p := "/v1/trades/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func parseTradeArg(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid trade ID %q", arg)
	}
	return id, nil
}

func tradeCreateCmd() *cobra.Command {
	var (
		seller, commodity, price, delivery, entropyB64 string
		quantity                                       int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trade with the caller as buyer",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("--price must be a decimal: %w", err)
			}
			deliveryDate, err := time.Parse(time.RFC3339, delivery)
			if err != nil {
				return fmt.Errorf("--delivery-date must be RFC3339: %w", err)
			}
			entropy, err := entropyFlag(entropyB64)
			if err != nil {
				return err
			}

			body, err := callAPI(http.MethodPost, "/v1/trades", handler.CreateTradeRequest{
				Seller:       seller,
				Commodity:    commodity,
				Quantity:     quantity,
				Price:        p,
				DeliveryDate: deliveryDate,
				Entropy:      base64.StdEncoding.EncodeToString(entropy),
			}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printTrade)
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "Seller participant ID (required)")
	cmd.Flags().StringVar(&commodity, "commodity", "", "Commodity: OIL, NATURAL_GAS, ELECTRICITY, RECS, CARBON_CREDITS, COAL (required)")
	cmd.Flags().Int64Var(&quantity, "quantity", 0, "Quantity (required)")
	cmd.Flags().StringVar(&price, "price", "", "Unit price (required)")
	cmd.Flags().StringVar(&delivery, "delivery-date", "", "Delivery date in RFC3339 (required)")
	cmd.Flags().StringVar(&entropyB64, "entropy", "", "Creation entropy in base64 (random if omitted)")
	for _, name := range []string{"seller", "commodity", "quantity", "price", "delivery-date"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func tradeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTradeArg(args[0])
			if err != nil {
				return err
			}
			body, err := callAPI(http.MethodGet, tradePath(id, ""), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printTrade)
		},
	}
}

func tradeListCmd() *cobra.Command {
	var (
		filterParticipant, status string
		after                     uint64
		limit                     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if filterParticipant != "" {
				q.Set("participant", filterParticipant)
			}
			if status != "" {
				q.Set("status", status)
			}
			if after > 0 {
				q.Set("after", strconv.FormatUint(after, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			body, err := callAPI(http.MethodGet, "/v1/trades?"+q.Encode(), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, r handler.TradeListResponse) {
				tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tBUYER\tSELLER\tCOMMODITY\tQUANTITY\tPRICE")
				for _, t := range r.Trades {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Buyer, t.Seller, t.Commodity, t.Quantity, t.Price)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&filterParticipant, "participant", "", "Only trades where this participant is buyer or seller")
	cmd.Flags().StringVar(&status, "status", "", "Only trades in this status")
	cmd.Flags().Uint64Var(&after, "after", 0, "Only trades with ID greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of trades")
	return cmd
}

// tradeConfirmCmd は取引を取得し、確認メッセージに署名して送信する。
func tradeConfirmCmd() *cobra.Command {
	var scheme, keyFile, entropyB64 string
	cmd := &cobra.Command{
		Use:   "confirm ID",
		Short: "Sign and submit a trade confirmation as the caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if participant == "" {
				return fmt.Errorf("--as is required to confirm a trade")
			}
			id, err := parseTradeArg(args[0])
			if err != nil {
				return err
			}
			body, err := callAPI(http.MethodGet, tradePath(id, ""), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var trade handler.TradeResponse
			if err := json.Unmarshal(body, &trade); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			tradeHash, err := hex.DecodeString(trade.QuantumTradeHash)
			if err != nil {
				return fmt.Errorf("invalid trade hash in response: %w", err)
			}

			entropy, err := entropyFlag(entropyB64)
			if err != nil {
				return err
			}
			sk, err := readBase64File(keyFile)
			if err != nil {
				return err
			}
			sig, err := pqcrypto.Sign(scheme, sk, domain.ConfirmationMessage(id, tradeHash, participant, entropy))
			if err != nil {
				return err
			}

			body, err = callAPI(http.MethodPost, tradePath(id, "confirm"), handler.ConfirmTradeRequest{
				Signature: base64.StdEncoding.EncodeToString(sig),
				Entropy:   base64.StdEncoding.EncodeToString(entropy),
			}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, r handler.ConfirmTradeResponse) {
				if r.Confirmed {
					fmt.Fprintf(w, "Trade #%d confirmed by both parties\n", r.Trade.ID)
				} else {
					fmt.Fprintf(w, "Signature recorded for trade #%d, waiting for counterparty\n", r.Trade.ID)
				}
			})
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", pqcrypto.DefaultScheme, "Signature scheme")
	cmd.Flags().StringVar(&keyFile, "key", "participant.key", "Private key file (base64)")
	cmd.Flags().StringVar(&entropyB64, "entropy", "", "Confirmation entropy in base64 (random if omitted)")
	return cmd
}

func tradeSettleCmd() *cobra.Command {
	var payment string
	cmd := &cobra.Command{
		Use:   "settle ID",
		Short: "Settle a confirmed trade with the buyer's payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTradeArg(args[0])
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(payment)
			if err != nil {
				return fmt.Errorf("--payment must be a decimal: %w", err)
			}
			body, err := callAPI(http.MethodPost, tradePath(id, "settle"), handler.SettleTradeRequest{Payment: amount}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printTrade)
		},
	}
	cmd.Flags().StringVar(&payment, "payment", "", "Payment amount, must equal quantity x price (required)")
	cmd.MarkFlagRequired("payment")
	return cmd
}

func tradeCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or confirmed trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTradeArg(args[0])
			if err != nil {
				return err
			}
			body, err := callAPI(http.MethodPost, tradePath(id, "cancel"), handler.CancelTradeRequest{Reason: reason}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printTrade)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason (required)")
	cmd.MarkFlagRequired("reason")
	return cmd
}

// statsCmd はプラットフォーム統計を表示する。
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show platform statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/stats", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, s handler.StatsResponse) {
				fmt.Fprintf(w, "Settled trades: %d\n", s.TradeCount)
				fmt.Fprintf(w, "Volume:         %d\n", s.Volume)
				fmt.Fprintf(w, "Value:          %s\n", s.Value)
			})
		},
	}
}

// entropyFlag はBase64のエントロピーを復号する。空の場合はランダムに生成する。
func entropyFlag(b64 string) ([]byte, error) {
	if b64 == "" {
		return randomEntropy()
	}
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("--entropy must be base64: %w", err)
	}
	return b, nil
}
