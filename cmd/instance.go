package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/arcward/invitebroker/invitebroker"
	"github.com/spf13/cobra"
)

var (
	instanceID          string
	instanceInviteLink  string
	instanceServerLimit int
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage private bot instances",
}

var instanceAddCmd = &cobra.Command{
	Use:   "add --id <id> --invite-link <url> --server-limit <n>",
	Short: "Register a private bot instance, or update an existing one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer closeDB(db)

		allocator := invitebroker.NewAllocator(db, cfg.DBAcquireTimeout, nil, nil)
		instance, err := allocator.RegisterInstance(
			cmd.Context(),
			invitebroker.PrivateBotInstance{
				Identifier:  instanceID,
				InviteLink:  instanceInviteLink,
				ServerLimit: instanceServerLimit,
			},
		)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(),
			"Registered instance %s (server limit: %d)\n",
			instance.Identifier,
			instance.ServerLimit,
		)
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List private bot instances and their current load",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer closeDB(db)

		allocator := invitebroker.NewAllocator(db, cfg.DBAcquireTimeout, nil, nil)
		loads, err := allocator.InstanceLoads(ctx)
		if err != nil {
			return err
		}
		available, err := allocator.RemainingCapacity(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "IDENTIFIER\tASSIGNED\tLIMIT\tAVAILABLE\tINVITE LINK")
		for _, l := range loads {
			_, _ = fmt.Fprintf(
				w,
				"%s\t%d\t%d\t%d\t%s\n",
				l.Identifier,
				l.Assigned,
				l.ServerLimit,
				l.Available(),
				l.InviteLink,
			)
		}
		if err = w.Flush(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nAvailable slots: %d\n", available)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	instanceAddCmd.Flags().StringVar(&instanceID, "id", "", "Instance identifier")
	instanceAddCmd.Flags().StringVar(
		&instanceInviteLink,
		"invite-link",
		"",
		"OAuth2 invite link for the instance",
	)
	instanceAddCmd.Flags().IntVar(
		&instanceServerLimit,
		"server-limit",
		0,
		"Maximum number of guilds assigned to the instance",
	)
	for _, flag := range []string{"id", "invite-link", "server-limit"} {
		if err := instanceAddCmd.MarkFlagRequired(flag); err != nil {
			panic(err)
		}
	}

	instanceCmd.AddCommand(instanceAddCmd, instanceListCmd)
	rootCmd.AddCommand(instanceCmd)
}
