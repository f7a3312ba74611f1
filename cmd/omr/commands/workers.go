package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// WorkersCommand lists the workers connected to a broker.
type WorkersCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	brokerFlags
}

// NewWorkersCommand returns the workers command.
func NewWorkersCommand(rootCmd *RootCommand, app *kingpin.Application) *WorkersCommand {
	c := &WorkersCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("workers", "List the workers connected to a broker.")
	c.register(c.Cmd)

	return c
}

func (c WorkersCommand) Name() string { return c.Cmd.FullCommand() }

func (c WorkersCommand) Run(ctx context.Context) error {
	client, err := c.client()
	if err != nil {
		return err
	}

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("could not get broker status: %w", err)
	}

	if err := c.printer(c.rootCmd.Stdout).PrintWorkers(st.Workers); err != nil {
		return fmt.Errorf("could not print workers: %w", err)
	}

	return nil
}
