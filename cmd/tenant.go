package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/conduit/internal/server/tenancy"
)

func init() {
	tenantCmd.PersistentFlags().String("storage", "tenants.json", "tenants JSON path")
	_ = viper.BindPFlag("tenant.storage", tenantCmd.PersistentFlags().Lookup("storage"))

	tenantCreateCmd.Flags().Duration("ttl", 0, "credential lifetime, 0 means no expiry")
	tenantCmd.AddCommand(tenantCreateCmd, tenantListCmd, tenantRotateCmd, tenantDeactivateCmd, tenantDeleteCmd)
	rootCmd.AddCommand(tenantCmd)
}

func openStore() (*tenancy.Store, error) {
	s := tenancy.NewStore(viper.GetString("tenant.storage"))
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "manage tenant credentials",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "create a tenant and print its token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		var expires time.Time
		if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
			expires = time.Now().Add(ttl)
		}
		t, err := s.Create(args[0], uuid.NewString(), expires)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", t.Slug, t.Token)
		return nil
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "list tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		for _, t := range s.List() {
			state := "active"
			if !t.Active {
				state = "inactive"
			}
			expiry := "-"
			if !t.ExpiresAt.IsZero() {
				expiry = t.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\t%s\n", t.Slug, t.Name, state, expiry)
		}
		return nil
	},
}

var tenantRotateCmd = &cobra.Command{
	Use:   "rotate <slug>",
	Short: "rotate a tenant's token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		t, err := s.Rotate(args[0], uuid.NewString())
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", t.Slug, t.Token)
		return nil
	},
}

var tenantDeactivateCmd = &cobra.Command{
	Use:   "deactivate <slug>",
	Short: "deactivate a tenant without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		return s.Deactivate(args[0])
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <slug>",
	Short: "delete a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		return s.Delete(args[0])
	},
}
