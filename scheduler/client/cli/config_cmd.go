package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type configCmd struct{}

func (*configCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
	}
}

func (*configCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(c.Config); err != nil {
		return err
	}
	return enc.Close()
}
