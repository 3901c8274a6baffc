package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/driftwatch/pkg/packs"
)

func newPacksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packs",
		Short: "Inspect the pack catalog",
	}
	cmd.AddCommand(newPacksListCommand())
	cmd.AddCommand(newPacksShowCommand())
	return cmd
}

func newPacksListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				list := a.svc.ListPacks()
				if jsonOutput {
					return printJSON(list)
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{
						p.Name,
						strconv.Itoa(len(p.Files)), strconv.Itoa(len(p.Packages)), strconv.Itoa(len(p.Settings)),
						p.Description,
					})
				}
				return table("NAME\tFILES\tPACKAGES\tSETTINGS\tDESCRIPTION", rows)
			})
		},
	}
}

func newPacksShowCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "show <pack>",
		Short: "Show a pack and the commands it would run",
		Example: `  driftwatch packs show nginx
  driftwatch packs show nginx --mode remove`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				pack, err := a.svc.GetPack(args[0])
				if err != nil {
					return err
				}
				items, err := a.svc.Preview(pack.Name, packs.Mode(mode))
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(struct {
						Pack    *packs.Pack         `json:"pack"`
						Preview []packs.PreviewItem `json:"preview"`
					}{pack, items})
				}

				fmt.Printf("%s: %s\n\n", pack.Name, pack.Description)
				for _, item := range items {
					fmt.Printf("  %-8s %-40s %s\n", item.Kind, item.Item, item.Action)
					indent(os.Stdout, "             $ ", item.Commands)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(packs.ModeApply), "plan mode (apply, remove)")

	return cmd
}
