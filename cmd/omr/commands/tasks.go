package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// NewTasksCommand returns the parent command of the job journal queries.
func NewTasksCommand(app *kingpin.Application) *kingpin.CmdClause {
	return app.Command("tasks", "Query the broker job journal.")
}

// TasksListCommand lists the most recent jobs of a broker.
type TasksListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	brokerFlags
	limit int
}

// NewTasksListCommand returns the tasks list command.
func NewTasksListCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksListCommand {
	c := &TasksListCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("list", "List the most recent jobs.").Default()
	c.Cmd.Flag("limit", "Maximum number of jobs (0 uses the broker default).").Short('n').IntVar(&c.limit)
	c.register(c.Cmd)

	return c
}

func (c TasksListCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksListCommand) Run(ctx context.Context) error {
	client, err := c.client()
	if err != nil {
		return err
	}

	jobs, err := client.Jobs(ctx, c.limit)
	if err != nil {
		return fmt.Errorf("could not list jobs: %w", err)
	}

	if err := c.printer(c.rootCmd.Stdout).PrintJobs(jobs); err != nil {
		return fmt.Errorf("could not print jobs: %w", err)
	}

	return nil
}

// TasksGetCommand shows a single job of a broker.
type TasksGetCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	brokerFlags
	taskID string
}

// NewTasksGetCommand returns the tasks get command.
func NewTasksGetCommand(rootCmd *RootCommand, parent *kingpin.CmdClause) *TasksGetCommand {
	c := &TasksGetCommand{rootCmd: rootCmd}

	c.Cmd = parent.Command("get", "Get the latest job of a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.register(c.Cmd)

	return c
}

func (c TasksGetCommand) Name() string { return c.Cmd.FullCommand() }

func (c TasksGetCommand) Run(ctx context.Context) error {
	client, err := c.client()
	if err != nil {
		return err
	}

	job, err := client.Job(ctx, c.taskID)
	if err != nil {
		return fmt.Errorf("could not get job: %w", err)
	}

	if err := c.printer(c.rootCmd.Stdout).PrintJob(*job); err != nil {
		return fmt.Errorf("could not print job: %w", err)
	}

	return nil
}
