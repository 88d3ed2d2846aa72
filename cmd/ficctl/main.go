package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mmdatafocus/fic_sync/config"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/mmdatafocus/fic_sync/webhooks"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "ficctl",
		Short:         "Operate Fatture in Cloud webhook subscriptions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Uint("account", 0, "Account id (default: every connected account)")

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(fixURLsCmd())
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(renewCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect wires the same components the service uses. Redis is optional
// here; without REDIS_ADDRESS the process-local locker is used.
func connect(ctx context.Context) (*webhooks.Components, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("database not initialized")
	}
	var locker webhooks.Locker
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry(ctx)
		if lc := config.GetRedisLock(); lc != nil {
			locker = webhooks.NewRedisLocker(lc, config.GetLogger())
		}
	}
	return webhooks.Build(db, locker, settings, config.GetLogger())
}

func accountFlag(cmd *cobra.Command) uint {
	id, _ := cmd.Flags().GetUint("account")
	return id
}

// forAccounts runs fn for the selected account, or every connected one.
// Failures are collected so one bad account does not stop the rest.
func forAccounts(ctx context.Context, comps *webhooks.Components, accountId uint, fn func(uint) error) error {
	ids := []uint{accountId}
	if accountId == 0 {
		accounts, err := comps.Service.Accounts.ListActive(utils.SystemContext(ctx))
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
	}
	var result *multierror.Error
	for _, id := range ids {
		if err := fn(id); err != nil {
			fmt.Fprintf(os.Stderr, "account %d: %v\n", id, err)
			result = multierror.Append(result, fmt.Errorf("account %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

func printReport(accountId uint, r *webhooks.ReconciliationReport) {
	if r == nil {
		return
	}
	fmt.Printf("account %d: matched=%d group_corrected=%d misrouted_recreated=%d misrouted=%d new=%d orphaned=%d errored=%d dry_run=%t\n",
		accountId, r.Matched, r.GroupCorrected, r.MisroutedRecreated, r.Misrouted, r.NewlyDiscovered, r.Orphaned, r.Errored, r.DryRun)
	for _, d := range r.Discrepancies {
		fmt.Printf("  discrepancy %s: url=%s types=%s stored=%s effective=%s\n",
			d.RemoteId, d.URLGroup, d.TypesGroup, d.StoredGroup, d.Effective)
	}
	for _, it := range r.Items {
		if it.Outcome == webhooks.OutcomeMatched {
			continue
		}
		line := fmt.Sprintf("  %s %s group=%s", it.Outcome, it.RemoteId, it.EventGroup)
		if it.NewRemoteId != "" {
			line += " -> " + it.NewRemoteId
		}
		if it.PlannedSink != "" {
			line += " would move to " + it.PlannedSink
		}
		if it.Error != "" {
			line += " error=" + it.Error
		}
		fmt.Println(line)
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local subscriptions with the remote list",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comps, err := connect(ctx)
			if err != nil {
				return err
			}
			return forAccounts(ctx, comps, accountFlag(cmd), func(id uint) error {
				report, err := comps.Service.Sync(ctx, id, "cli")
				printReport(id, report)
				return err
			})
		},
	}
}

func fixURLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix-urls",
		Short: "Recreate subscriptions whose callback URL encodes the wrong route",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			comps, err := connect(ctx)
			if err != nil {
				return err
			}
			return forAccounts(ctx, comps, accountFlag(cmd), func(id uint) error {
				report, err := comps.Service.FixURLs(ctx, id, dryRun)
				printReport(id, report)
				return err
			})
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report what would change without touching anything")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Dry-run reconcile and report discrepancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir, _ := cmd.Flags().GetString("xlsx")
			comps, err := connect(ctx)
			if err != nil {
				return err
			}
			return forAccounts(ctx, comps, accountFlag(cmd), func(id uint) error {
				report, err := comps.Service.Diagnose(ctx, id)
				printReport(id, report)
				if err != nil || dir == "" {
					return err
				}
				path := filepath.Join(dir, webhooks.DiagnoseFileName(id, report.StartedAt))
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := webhooks.WriteDiagnose(f, report); err != nil {
					return err
				}
				fmt.Printf("  wrote %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().String("xlsx", "", "Directory to write one workbook per account into")
	return cmd
}

func renewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew subscriptions that expire within the renewal lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			comps, err := connect(ctx)
			if err != nil {
				return err
			}
			summary, err := comps.Service.Renew(ctx, webhooks.RenewalOptions{DryRun: dryRun, AccountId: accountFlag(cmd)})
			if summary != nil {
				fmt.Printf("considered=%d renewed=%d failed=%d dry_run=%t\n", summary.Considered, summary.Renewed, summary.Failed, dryRun)
				for _, r := range summary.Results {
					line := fmt.Sprintf("  account %d %s", r.AccountId, r.RemoteId)
					if r.NewRemoteId != "" {
						line += " -> " + r.NewRemoteId
					}
					if r.ExpiresAt != nil {
						line += " expires " + r.ExpiresAt.Format(time.RFC3339)
					}
					if r.Error != "" {
						line += " error=" + r.Error
					}
					fmt.Println(line)
				}
			}
			return err
		},
	}
	cmd.Flags().Bool("dry-run", false, "List due subscriptions without renewing")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <remote-id>",
		Short: "Ask the remote to repeat the verification handshake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			accountId := accountFlag(cmd)
			if accountId == 0 {
				return errors.New("--account is required")
			}
			comps, err := connect(ctx)
			if err != nil {
				return err
			}
			sub, err := comps.Service.RetryVerification(ctx, accountId, args[0])
			var tooSoon *webhooks.VerificationTooSoonError
			if errors.As(err, &tooSoon) {
				return fmt.Errorf("retry not allowed before %s", tooSoon.NextAllowedAt.Format(time.RFC3339))
			}
			if err != nil {
				return err
			}
			fmt.Printf("verification requested for %s (attempt %d)\n", sub.RemoteId, sub.VerificationAttempts)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <remote-id>",
		Short: "Delete a subscription remotely and locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			accountId := accountFlag(cmd)
			if accountId == 0 {
				return errors.New("--account is required")
			}
			comps, err := connect(ctx)
			if err != nil {
				return err
			}
			if err := comps.Service.DeleteSubscription(ctx, accountId, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Mint an admin API bearer token signed with ADMIN_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("ADMIN_JWT_SECRET")
			if secret == "" {
				return errors.New("ADMIN_JWT_SECRET not set")
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := utils.JwtGenerate([]byte(secret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
