package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/tokengate/internal/config"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/store"
	"github.com/spf13/cobra"
)

// balanceFlags are shared by the balance subcommands.
type balanceFlags struct {
	ownerType string
	ownerID   string
	kind      string
}

func (f *balanceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ownerType, "owner-type", "user", "balance owner type (user, cluster)")
	cmd.Flags().StringVar(&f.ownerID, "owner", "", "balance owner id")
	cmd.Flags().StringVar(&f.kind, "kind", "text-token", "balance kind (text-token, file-token)")
	cmd.MarkFlagRequired("owner")
}

func (f *balanceFlags) resolve() (domain.OwnerRef, domain.BalanceKind, error) {
	ot := domain.OwnerType(f.ownerType)
	if ot != domain.OwnerUser && ot != domain.OwnerCluster {
		return domain.OwnerRef{}, "", fmt.Errorf("unknown owner type %q", f.ownerType)
	}
	kind := domain.BalanceKind(f.kind)
	if !kind.Valid() {
		return domain.OwnerRef{}, "", fmt.Errorf("unknown balance kind %q", f.kind)
	}
	return domain.OwnerRef{Type: ot, ID: f.ownerID}, kind, nil
}

// openLedger loads config and opens the ledger for an administrative command.
func openLedger() (*ledger.Ledger, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return ledger.New(db, log), func() { db.Close() }, nil
}

func newBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Manage prepaid token balances",
	}

	cmd.AddCommand(newBalanceShowCmd())
	cmd.AddCommand(newBalanceGrantCmd())
	cmd.AddCommand(newBalanceExpireCmd())
	return cmd
}

func newBalanceShowCmd() *cobra.Command {
	var flags balanceFlags

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, kind, err := flags.resolve()
			if err != nil {
				return err
			}
			ldg, closeDB, err := openLedger()
			if err != nil {
				return err
			}
			defer closeDB()

			bal, err := ldg.Balance(context.Background(), owner, kind)
			if errors.Is(err, ledger.ErrNoBalance) {
				return fmt.Errorf("no %s balance for %s", kind, owner)
			}
			if err != nil {
				return err
			}

			fmt.Printf("owner:     %s\n", bal.Owner)
			fmt.Printf("kind:      %s\n", bal.Kind)
			fmt.Printf("available: %d\n", bal.Available)
			fmt.Printf("reserved:  %d\n", bal.Reserved)
			fmt.Printf("used:      %d\n", bal.Used)
			fmt.Printf("expired:   %d\n", bal.Expired)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newBalanceGrantCmd() *cobra.Command {
	var flags balanceFlags
	var amount int64

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add capacity to a balance, creating it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, kind, err := flags.resolve()
			if err != nil {
				return err
			}
			ldg, closeDB, err := openLedger()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := ldg.Grant(context.Background(), owner, kind, amount); err != nil {
				return err
			}
			fmt.Printf("granted %d %s to %s\n", amount, kind, owner)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount of tokens to grant")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newBalanceExpireCmd() *cobra.Command {
	var flags balanceFlags

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire a balance's remaining available capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, kind, err := flags.resolve()
			if err != nil {
				return err
			}
			ldg, closeDB, err := openLedger()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := ldg.Expire(context.Background(), owner, kind); err != nil {
				if errors.Is(err, ledger.ErrNoBalance) {
					return fmt.Errorf("no %s balance for %s", kind, owner)
				}
				return err
			}
			fmt.Printf("expired remaining %s balance of %s\n", kind, owner)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
