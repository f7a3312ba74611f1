package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// StatusCommand shows the status of a broker.
type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	brokerFlags
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Get the status of a broker: workers, sessions and host resources.")
	c.register(c.Cmd)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	client, err := c.client()
	if err != nil {
		return err
	}

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("could not get broker status: %w", err)
	}

	if err := c.printer(c.rootCmd.Stdout).PrintStatus(*st); err != nil {
		return fmt.Errorf("could not print status: %w", err)
	}

	return nil
}
