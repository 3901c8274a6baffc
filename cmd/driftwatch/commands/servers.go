package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/stores"
)

func newServersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage servers",
	}
	cmd.AddCommand(newServersAddCommand())
	cmd.AddCommand(newServersListCommand())
	cmd.AddCommand(newServersAssignCommand())
	cmd.AddCommand(newServersDriftCommand())
	return cmd
}

func newServersAddCommand() *cobra.Command {
	var (
		hostname string
		port     int
		user     string
		packList []string
		noDrift  bool
	)

	cmd := &cobra.Command{
		Use:   "add <server-id> <address>",
		Short: "Register a server",
		Long: `Register a server. The base pack is always assigned; --packs adds more.
Assigning a pack does not run anything; use apply for that.`,
		Example: `  driftwatch servers add web-01 10.0.0.5 --user deploy --packs nginx`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := &stores.Server{
				ID:                    args[0],
				Hostname:              hostname,
				Address:               args[1],
				Port:                  port,
				User:                  user,
				AssignedPacks:         packList,
				DriftDetectionEnabled: !noDrift,
			}
			if server.Hostname == "" {
				server.Hostname = server.ID
			}

			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				if err := a.svc.AddServer(ctx, server); err != nil {
					return err
				}
				fmt.Printf("Registered %s (%s) with packs %s\n", server.ID, server.Address, strings.Join(server.AssignedPacks, ", "))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&hostname, "hostname", "", "display name (default: server id)")
	cmd.Flags().IntVarP(&port, "port", "p", 22, "SSH port")
	cmd.Flags().StringVarP(&user, "user", "u", "", "SSH user (default from config)")
	cmd.Flags().StringSliceVar(&packList, "packs", nil, "packs to assign besides base")
	cmd.Flags().BoolVar(&noDrift, "no-drift", false, "exclude the server from drift sweeps")

	return cmd
}

func newServersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				servers, err := a.svc.ListServers(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(servers)
				}
				rows := make([][]string, 0, len(servers))
				for _, s := range servers {
					rows = append(rows, []string{
						s.ID, s.Hostname, s.Address + ":" + strconv.Itoa(s.Port), s.User,
						strings.Join(s.AssignedPacks, ","), yesNo(s.DriftDetectionEnabled),
					})
				}
				return table("ID\tHOSTNAME\tADDRESS\tUSER\tPACKS\tDRIFT", rows)
			})
		},
	}
}

func newServersAssignCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <server-id> [pack...]",
		Short: "Replace a server's pack assignment",
		Long: `Replace the packs assigned to a server without running anything on it.
base is always kept. The next drift sweep checks the new assignment.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				return a.svc.AssignPacks(ctx, args[0], args[1:])
			})
		},
	}
}

func newServersDriftCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "drift <server-id> <on|off>",
		Short:     "Enable or disable drift sweeps for a server",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				return a.svc.SetDriftDetection(ctx, args[0], enabled)
			})
		},
	}
}
