package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/conduit/internal/diag"
	"github.com/DragonSecurity/conduit/pkg/transport"
	"github.com/DragonSecurity/conduit/pkg/util"
)

func init() {
	diagCmd.Flags().String("server", "ws://localhost:8080/_control", "control endpoint URL")
	diagCmd.Flags().String("auth", "", "tenant token")
	diagCmd.Flags().Bool("json", false, "emit the report as JSON")

	_ = viper.BindPFlag("diag.server", diagCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("diag.auth", diagCmd.Flags().Lookup("auth"))
	_ = viper.BindPFlag("diag.json", diagCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(diagCmd)
}

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "run connectivity diagnostics against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("diag", viper.GetBool("debug"))
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		runner := diag.NewRunner(viper.GetString("diag.server"), viper.GetString("diag.auth"), &transport.WSDialer{}, log)
		report := runner.Run(ctx)

		if viper.GetBool("diag.json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		for _, c := range report.Checks {
			mark, note := "ok", c.Detail
			if !c.Passed {
				mark, note = "FAIL", c.Error
			}
			fmt.Printf("%-18s %-4s %v  %s\n", c.Name, mark, c.Duration.Round(time.Microsecond), note)
		}
		if report.Latency != nil {
			fmt.Printf("latency: mean %v, min %v, max %v over %d pings\n",
				report.Latency.Mean, report.Latency.Min, report.Latency.Max, report.Latency.Samples)
		}
		if report.ThroughputBps > 0 {
			fmt.Printf("throughput: %.0f bytes/sec\n", report.ThroughputBps)
		}
		for _, rec := range report.Recommendations {
			fmt.Printf("recommendation: %s\n", rec)
		}
		if !report.Passed() {
			os.Exit(1)
		}
		return nil
	},
}
