package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/tokengate/internal/config"
	"github.com/soyeahso/tokengate/internal/dispatch"
	"github.com/soyeahso/tokengate/internal/gateway"
	"github.com/soyeahso/tokengate/internal/ledger"
	"github.com/soyeahso/tokengate/internal/provider"
	"github.com/soyeahso/tokengate/internal/session"
	"github.com/soyeahso/tokengate/internal/store"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			if issues := config.Validate(cfg); len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Msg(issue.Error())
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			db, err := store.Open(cfg.Store.Path, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			ldg := ledger.New(db, log)
			est := ledger.NewEstimator(cfg.Metering.CharsPerToken, cfg.Metering.MaxOutputReserve, cfg.Metering.FilePrices)
			responses := store.NewResponseStore(db)
			conversations := dispatch.NewConversations(store.NewConversationStore(db), cfg.Conversation.HistoryTurns, log)

			registry := provider.NewRegistryFromConfig(cfg.Providers, log)
			if len(registry.Providers()) == 0 {
				log.Warn().Msg("no providers configured — every generation will fail model resolution")
			}

			engine := session.NewEngine(ldg, est, responses, cfg.Metering.RetryAttempts, log)
			router := dispatch.NewRouter(registry, engine, conversations, log)

			srv := gateway.New(cfg, gateway.Deps{
				Router:        router,
				Registry:      registry,
				Ledger:        ldg,
				Conversations: conversations,
				Responses:     responses,
			}, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}
