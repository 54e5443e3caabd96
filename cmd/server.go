package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/conduit/internal/server"
	"github.com/DragonSecurity/conduit/internal/server/tenancy"
	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/util"
)

func init() {
	serverCmd.Flags().String("public", ":8080", "public address")
	serverCmd.Flags().Int("max-channels", 3, "backend channels per tenant")
	serverCmd.Flags().Duration("idle-timeout", config.DefaultServer().IdleTimeout, "channel idle eviction timeout")
	serverCmd.Flags().Int("breaker-threshold", 5, "consecutive failures before the breaker opens")
	serverCmd.Flags().Duration("breaker-reset", config.DefaultServer().BreakerResetTimeout, "open breaker reset timeout")
	serverCmd.Flags().Float64("rate-capacity", 20, "rate limit burst capacity")
	serverCmd.Flags().Float64("rate-refill", 10, "rate limit tokens per second")
	serverCmd.Flags().Duration("request-timeout", config.DefaultServer().RequestTimeout, "default backend deadline")
	serverCmd.Flags().String("tenancy-storage", "tenants.json", "tenants JSON path")
	serverCmd.Flags().String("backend-mode", "loopback", "backend channel mode (ssh or loopback)")
	serverCmd.Flags().String("backend-addr", "", "backend ssh address")
	serverCmd.Flags().String("backend-user", "", "backend ssh user")
	serverCmd.Flags().String("backend-key", "", "backend ssh private key path")
	serverCmd.Flags().String("backend-command", "conduit-responder", "responder command run per request")

	_ = viper.BindPFlag("server.public", serverCmd.Flags().Lookup("public"))
	_ = viper.BindPFlag("server.max_channels", serverCmd.Flags().Lookup("max-channels"))
	_ = viper.BindPFlag("server.idle_timeout", serverCmd.Flags().Lookup("idle-timeout"))
	_ = viper.BindPFlag("server.breaker.threshold", serverCmd.Flags().Lookup("breaker-threshold"))
	_ = viper.BindPFlag("server.breaker.reset", serverCmd.Flags().Lookup("breaker-reset"))
	_ = viper.BindPFlag("server.rate.capacity", serverCmd.Flags().Lookup("rate-capacity"))
	_ = viper.BindPFlag("server.rate.refill", serverCmd.Flags().Lookup("rate-refill"))
	_ = viper.BindPFlag("server.request_timeout", serverCmd.Flags().Lookup("request-timeout"))
	_ = viper.BindPFlag("server.tenancy.storage", serverCmd.Flags().Lookup("tenancy-storage"))
	_ = viper.BindPFlag("server.backend.mode", serverCmd.Flags().Lookup("backend-mode"))
	_ = viper.BindPFlag("server.backend.addr", serverCmd.Flags().Lookup("backend-addr"))
	_ = viper.BindPFlag("server.backend.user", serverCmd.Flags().Lookup("backend-user"))
	_ = viper.BindPFlag("server.backend.key", serverCmd.Flags().Lookup("backend-key"))
	_ = viper.BindPFlag("server.backend.command", serverCmd.Flags().Lookup("backend-command"))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the tunnel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("server", viper.GetBool("debug"))
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := config.DefaultServer()
		cfg.PublicAddr = viper.GetString("server.public")
		cfg.MaxChannelsPerTenant = viper.GetInt("server.max_channels")
		cfg.IdleTimeout = viper.GetDuration("server.idle_timeout")
		cfg.BreakerThreshold = viper.GetInt("server.breaker.threshold")
		cfg.BreakerResetTimeout = viper.GetDuration("server.breaker.reset")
		cfg.RateCapacity = viper.GetFloat64("server.rate.capacity")
		cfg.RateRefillPerSec = viper.GetFloat64("server.rate.refill")
		cfg.RequestTimeout = viper.GetDuration("server.request_timeout")
		cfg.TenantStorePath = viper.GetString("server.tenancy.storage")
		cfg.Backend = config.Backend{
			Mode:    viper.GetString("server.backend.mode"),
			Addr:    viper.GetString("server.backend.addr"),
			User:    viper.GetString("server.backend.user"),
			KeyPath: viper.GetString("server.backend.key"),
			Command: viper.GetString("server.backend.command"),
		}
		if err := config.ValidateServer(&cfg); err != nil {
			return err
		}

		store := tenancy.NewStore(cfg.TenantStorePath)
		if err := store.Load(); err != nil {
			return err
		}
		factory, err := server.NewBackendFactory(cfg.Backend)
		if err != nil {
			return err
		}
		return server.New(cfg, store, factory, log).Run(ctx)
	},
}
