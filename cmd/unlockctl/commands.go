package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusbazaar/unlockd/internal/dbmigrate"
	"github.com/campusbazaar/unlockd/internal/unlock"
	"github.com/campusbazaar/unlockd/internal/validation"
)

func newRootCmd(open opener) *cobra.Command {
	var asJSON bool

	rootCmd := &cobra.Command{
		Use:           "unlockctl",
		Short:         "Operator tools for the unlockd contact-unlock service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	// run opens the app for one command and closes it afterwards.
	run := func(cmd *cobra.Command, fn func(a *app, out printer) error) error {
		a, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return fn(a, printer{w: cmd.OutOrStdout(), json: asJSON})
	}

	rootCmd.AddCommand(reconcileCmd(run))
	rootCmd.AddCommand(walletCmd(run))
	rootCmd.AddCommand(itemCmd(run))
	rootCmd.AddCommand(auditCmd(run))
	rootCmd.AddCommand(tokenCmd(run))
	rootCmd.AddCommand(migrateCmd(run))
	return rootCmd
}

type runFunc func(cmd *cobra.Command, fn func(a *app, out printer) error) error

func reconcileCmd(run runFunc) *cobra.Command {
	var minAge time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Find and settle orders paid at the gateway but never granted",
	}
	cmd.PersistentFlags().DurationVar(&minAge, "min-age", 5*time.Minute, "Ignore orders younger than this")

	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "List pending orders that carry a payment id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(a *app, out printer) error {
				orders, err := a.runner(minAge).Scan(cmd.Context())
				if err != nil {
					return err
				}
				if out.json {
					return out.encode(orders)
				}
				if len(orders) == 0 {
					out.line("No orders need reconciliation.")
					return nil
				}
				return out.table([]string{"ORDER", "USER", "ITEM", "TIER", "AMOUNT", "PAYMENT", "CREATED", "REVIEW"}, func(row func(...any)) {
					for _, o := range orders {
						review := "-"
						if o.ReviewRequiredAt != nil {
							review = o.ReviewReason
						}
						row(o.ID, o.UserID, o.ItemID, o.Tier, o.Amount, o.GatewayPaymentID, o.CreatedAt.Format(time.RFC3339), review)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Reconcile one batch of stuck orders against the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(a *app, out printer) error {
				report, err := a.runner(minAge).RunAll(cmd.Context())
				if err != nil {
					return err
				}
				if out.json {
					return out.encode(report)
				}
				out.line(fmt.Sprintf("Scanned %d order(s) in %s", report.Scanned, report.Duration.Round(time.Millisecond)))
				if len(report.Results) == 0 {
					return nil
				}
				return printResults(out, report.Results)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply <orderId>",
		Short: "Reconcile a single order, using the gateway as the authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validation.IsValidID(args[0]) {
				return fmt.Errorf("malformed order id %q", args[0])
			}
			return run(cmd, func(a *app, out printer) error {
				ctx := unlock.WithActor(cmd.Context(), "operator", "unlockctl")
				res := a.runner(minAge).ReconcileOrder(ctx, args[0])
				if out.json {
					return out.encode(res)
				}
				return printResults(out, []reconcileResult{res})
			})
		},
	})

	return cmd
}

func walletCmd(run runFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect credit wallets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "balance <userId>",
		Short: "Show a user's credit balance and lifetime counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validation.IsValidID(args[0]) {
				return fmt.Errorf("malformed user id %q", args[0])
			}
			return run(cmd, func(a *app, out printer) error {
				w, err := a.engine.WalletBalance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if out.json {
					return out.encode(w)
				}
				return out.table([]string{"USER", "CREDITS", "UNLOCKS", "SPENT"}, func(row func(...any)) {
					row(w.UserID, w.Credits.String(), w.TotalUnlocks, w.TotalSpent)
				})
			})
		},
	})
	return cmd
}

func itemCmd(run runFunc) *cobra.Command {
	var item unlock.Item

	cmd := &cobra.Command{
		Use:   "item",
		Short: "Manage item snapshots",
	}
	upsert := &cobra.Command{
		Use:   "upsert <itemId>",
		Short: "Create or update an item and its seller contact block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validation.IsValidID(args[0]) || !validation.IsValidID(item.SellerID) {
				return errors.New("item id and --seller-id must be 1-64 characters of letters, digits, '_' or '-'")
			}
			item.ID = args[0]
			return run(cmd, func(a *app, out printer) error {
				if err := a.engine.SyncItem(cmd.Context(), &item); err != nil {
					return err
				}
				if out.json {
					return out.encode(item)
				}
				out.line("Upserted " + item.ID)
				return nil
			})
		},
	}
	upsert.Flags().StringVar(&item.SellerID, "seller-id", "", "Seller user id (required)")
	upsert.Flags().StringVar(&item.Title, "title", "", "Listing title")
	upsert.Flags().StringVar(&item.Seller.Name, "seller-name", "", "Seller display name")
	upsert.Flags().StringVar(&item.Seller.Hostel, "hostel", "", "Seller hostel")
	upsert.Flags().StringVar(&item.Seller.Phone, "phone", "", "Seller phone")
	upsert.Flags().StringVar(&item.Seller.Email, "email", "", "Seller email")
	_ = upsert.MarkFlagRequired("seller-id")

	cmd.AddCommand(upsert)
	return cmd
}

func auditCmd(run runFunc) *cobra.Command {
	var (
		operation string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "audit <userId>",
		Short: "Show a user's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(a *app, out printer) error {
				entries, err := a.audit.QueryAudit(cmd.Context(), args[0], operation, limit)
				if err != nil {
					return err
				}
				if out.json {
					return out.encode(entries)
				}
				return out.table([]string{"TIME", "OPERATION", "ACTOR", "ORDER", "ITEM", "DETAIL"}, func(row func(...any)) {
					for _, e := range entries {
						row(e.CreatedAt.Format(time.RFC3339), e.Operation, e.ActorType+":"+e.ActorID, e.OrderID, e.ItemID, e.Description)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&operation, "operation", "o", "", "Filter by operation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	return cmd
}

func tokenCmd(run runFunc) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Mint a bearer token for local testing (refused in production)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(a *app, out printer) error {
				if a.cfg.IsProduction() {
					return errors.New("token minting is disabled in production")
				}
				if a.verifier == nil {
					return errors.New("JWT_SECRET is not set")
				}
				tok, err := a.verifier.IssueToken(args[0], ttl)
				if err != nil {
					return err
				}
				if out.json {
					return out.encode(map[string]string{"token": tok})
				}
				out.line(tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func migrateCmd(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <command> [version]",
		Short: "Run schema migrations: up, down, status, version, redo, up-to, down-to",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "up", "down", "status", "version", "redo":
				if len(args) != 1 {
					return fmt.Errorf("%s takes no version", args[0])
				}
			case "up-to", "down-to":
				if len(args) != 2 {
					return fmt.Errorf("%s needs a target version", args[0])
				}
			default:
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
			return run(cmd, func(a *app, out printer) error {
				if a.db == nil {
					return errors.New("migrate needs DATABASE_URL")
				}
				if err := dbmigrate.Run(cmd.Context(), args[0], a.db, args[1:]...); err != nil {
					return err
				}
				if !out.json {
					out.line("migrate " + args[0] + ": ok")
				}
				return nil
			})
		},
	}
}

// printer renders either JSON or aligned columns.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) line(s string) {
	fmt.Fprintln(p.w, s)
}

func (p printer) table(header []string, rows func(row func(...any))) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	writeRow := func(cells ...any) {
		for i, c := range cells {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprintln(tw)
	}
	h := make([]any, len(header))
	for i, s := range header {
		h[i] = s
	}
	writeRow(h...)
	rows(writeRow)
	return tw.Flush()
}

func printResults(out printer, results []reconcileResult) error {
	return out.table([]string{"ORDER", "OUTCOME", "ERROR"}, func(row func(...any)) {
		for _, r := range results {
			row(r.OrderID, r.Outcome, r.Error)
		}
	})
}
