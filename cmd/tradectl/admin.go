package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-settlement-service/internal/handler"
)

// systemCmd は停止状態の参照と切り替えを行う。
func systemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Show or change the platform pause state",
	}

	printState := func(w io.Writer, s handler.SystemStateResponse) {
		state := "running"
		if s.Paused {
			state = "paused"
		}
		fmt.Fprintf(w, "State:      %s\n", state)
		if s.UpdatedBy != "" {
			fmt.Fprintf(w, "Updated by: %s at %s\n", s.UpdatedBy, s.UpdatedAt)
		}
	}

	for _, sub := range []struct {
		use, short, method, path string
	}{
		{"status", "Show the pause state", http.MethodGet, "/v1/system"},
		{"pause", "Pause all trading operations (admin)", http.MethodPost, "/v1/admin/pause"},
		{"unpause", "Resume trading operations (admin)", http.MethodPost, "/v1/admin/unpause"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := callAPI(sub.method, sub.path, nil, http.StatusOK)
				if err != nil {
					return err
				}
				return printResult(cmd, body, printState)
			},
		})
	}
	return cmd
}

// roleCmd はロールの付与・剥奪・参照を行う。
func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage participant roles",
	}

	memberPath := func(role, identity string) string {
		return "/v1/admin/roles/" + url.PathEscape(role) + "/members/" + url.PathEscape(identity)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "grant ROLE IDENTITY",
		Short: "Grant a role (TRADER, ORACLE, ADMIN)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := callAPI(http.MethodPut, memberPath(args[0], args[1]), nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s\n", args[0], args[1])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke ROLE IDENTITY",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := callAPI(http.MethodDelete, memberPath(args[0], args[1]), nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from %s\n", args[0], args[1])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list IDENTITY",
		Short: "List roles held by a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/roles/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, r handler.RoleListResponse) {
				tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "ROLE\tGRANTED BY\tGRANTED AT")
				for _, role := range r.Roles {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", role.Role, role.GrantedBy, role.GrantedAt)
				}
				tw.Flush()
			})
		},
	})
	return cmd
}

// accountCmd は決済口座の入金と残高参照を行う。
func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage settlement accounts",
	}

	printBalance := func(w io.Writer, b handler.BalanceResponse) {
		fmt.Fprintf(w, "%s: %s\n", b.Owner, b.Balance)
	}

	var amount string
	credit := &cobra.Command{
		Use:   "credit OWNER",
		Short: "Credit a settlement account (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount must be a decimal: %w", err)
			}
			body, err := callAPI(http.MethodPost, "/v1/accounts/"+url.PathEscape(args[0])+"/credit", handler.CreditRequest{Amount: v}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printBalance)
		},
	}
	credit.Flags().StringVar(&amount, "amount", "", "Amount to credit (required)")
	credit.MarkFlagRequired("amount")

	cmd.AddCommand(credit, &cobra.Command{
		Use:   "balance OWNER",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/accounts/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printBalance)
		},
	})
	return cmd
}

// eventsCmd はイベントログの参照とハッシュチェーン検証を行う。
func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log",
	}

	var after, tradeID uint64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List events in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if after > 0 {
				q.Set("after", strconv.FormatUint(after, 10))
			}
			if tradeID > 0 {
				q.Set("trade_id", strconv.FormatUint(tradeID, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			body, err := callAPI(http.MethodGet, "/v1/events?"+q.Encode(), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, r handler.EventListResponse) {
				tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTYPE\tTRADE\tACTOR\tCREATED AT")
				for _, e := range r.Events {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.Sequence, e.Type, e.TradeID, e.Actor, e.CreatedAt)
				}
				tw.Flush()
			})
		},
	}
	list.Flags().Uint64Var(&after, "after", 0, "Only events with sequence greater than this")
	list.Flags().Uint64Var(&tradeID, "trade", 0, "Only events for this trade")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the event log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/events/verify", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var broken bool
			err = printResult(cmd, body, func(w io.Writer, r handler.ChainReportResponse) {
				if !r.Valid {
					broken = true
					fmt.Fprintf(w, "Event chain BROKEN: %s\n", r.Reason)
					return
				}
				fmt.Fprintf(w, "Event chain valid: %d event(s), head %s\n", r.Events, r.HeadHash)
			})
			if err != nil {
				return err
			}
			if broken {
				return fmt.Errorf("event chain verification failed")
			}
			return nil
		},
	}

	cmd.AddCommand(list, verify)
	return cmd
}
