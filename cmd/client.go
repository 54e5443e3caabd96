package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/conduit/internal/client"
	"github.com/DragonSecurity/conduit/pkg/config"
	"github.com/DragonSecurity/conduit/pkg/metrics"
	"github.com/DragonSecurity/conduit/pkg/transport"
	"github.com/DragonSecurity/conduit/pkg/util"
)

func init() {
	clientCmd.Flags().String("server", "ws://localhost:8080/_control", "control endpoint URL")
	clientCmd.Flags().String("auth", "", "tenant token")
	clientCmd.Flags().String("profile", "stable", "connection profile (stable, unstable, low-bandwidth)")
	clientCmd.Flags().String("persist", "", "path for persisting queued requests across restarts")

	_ = viper.BindPFlag("client.server", clientCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("client.auth", clientCmd.Flags().Lookup("auth"))
	_ = viper.BindPFlag("client.profile", clientCmd.Flags().Lookup("profile"))
	_ = viper.BindPFlag("client.persist_path", clientCmd.Flags().Lookup("persist"))

	rootCmd.AddCommand(clientCmd)
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "run the tunnel client",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("client", viper.GetBool("debug"))
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		profile, err := config.ProfileFromViper(viper.GetViper(), viper.GetString("client.profile"))
		if err != nil {
			return err
		}

		dialer := &transport.WSDialer{Compression: profile.Compression}
		mgr := client.NewManager(profile, dialer, metrics.NewCollector(time.Hour), log)
		if err := mgr.Connect(ctx, viper.GetString("client.server"), viper.GetString("client.auth")); err != nil {
			return err
		}
		log.Infow("tunnel up", "endpoint", viper.GetString("client.server"), "profile", profile.Name)

		<-ctx.Done()
		log.Infow("shutting down gracefully")
		return mgr.Disconnect(true)
	},
}
