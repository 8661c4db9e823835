package cli

import (
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cerrors "github.com/gpubatch/gpubatch/common/errors"
	"github.com/gpubatch/gpubatch/config/batchconfig"
)

type CLI struct {
	RootCmd *cobra.Command

	ConfigPath string
	LogLevel   string

	// Effective config, loaded by Init.
	Config batchconfig.Config

	out io.Writer
}

type command interface {
	registerFlags() *cobra.Command
	run(c *CLI, cmd *cobra.Command, args []string) error
}

// NewCLI builds the command tree. Command output goes to out, logs go through logrus.
func NewCLI(out io.Writer) *CLI {
	c := &CLI{out: out}
	c.RootCmd = &cobra.Command{
		Use:               "gpubatch",
		Short:             "gpubatch batches GPU video-generation jobs and runs them on a remote backend",
		PersistentPreRunE: c.Init,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	c.RootCmd.PersistentFlags().StringVar(&c.ConfigPath, "config", "", "YAML config file; defaults apply when unset")
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|warn|info|debug|trace)")

	c.addCmd(&runCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&configCmd{})
	return c
}

func (c *CLI) Exec() error {
	return c.RootCmd.Execute()
}

// Init sets the log level and loads the config. Can only be called from a cobra hook.
func (c *CLI) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return cerrors.NewError(err, cerrors.UsageExitCode)
	}
	log.SetLevel(level)

	cfg, err := batchconfig.Load(c.ConfigPath)
	if err != nil {
		return cerrors.NewError(err, cerrors.ConfigFailureExitCode)
	}
	c.Config = cfg
	return nil
}

func (c *CLI) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}
