package agents

import (
	"github.com/spf13/cobra"
)

func NewAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agent registry",
		Example: `  aetherbridge agents list
  aetherbridge agents describe GooseAgent`,
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			return listAgents(cmd.OutOrStdout(), reg.List(), asJSON)
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	describeCmd := &cobra.Command{
		Use:   "describe <name>",
		Short: "Show one agent's registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			agent, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}
			return describeAgent(cmd.OutOrStdout(), agent)
		},
	}

	cmd.AddCommand(listCmd, describeCmd)
	return cmd
}
