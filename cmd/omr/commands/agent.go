package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/omrkit/omr/internal/agent"
)

const executorEcho = "echo"

// AgentCommand runs a worker agent connected to a broker.
type AgentCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	brokerURL         string
	id                string
	executor          string
	chunkSize         int
	memoryThreshold   float64
	reconnectInterval time.Duration
}

// NewAgentCommand returns the agent command.
func NewAgentCommand(rootCmd *RootCommand, app *kingpin.Application) *AgentCommand {
	c := &AgentCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("agent", "Run a worker agent that executes the broker jobs.")
	c.Cmd.Flag("broker-url", "Broker address (http, https, ws or wss).").Default(defaultBrokerURL).StringVar(&c.brokerURL)
	c.Cmd.Flag("id", "Worker ID announced to the broker (random if empty).").StringVar(&c.id)
	c.Cmd.Flag("executor", "Job executor.").Default(executorEcho).EnumVar(&c.executor, executorEcho)
	c.Cmd.Flag("chunk-size", "Bytes per result file chunk (0 uses the default).").IntVar(&c.chunkSize)
	c.Cmd.Flag("memory-threshold", "Used memory percentage over which jobs are refused.").Default("90").Float64Var(&c.memoryThreshold)
	c.Cmd.Flag("reconnect-interval", "Wait between broker connection attempts.").Default("5s").DurationVar(&c.reconnectInterval)

	return c
}

func (c AgentCommand) Name() string { return c.Cmd.FullCommand() }

func (c AgentCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	var executor agent.Executor
	switch c.executor {
	case executorEcho:
		executor = agent.EchoExecutor{}
	default:
		return fmt.Errorf("unknown executor %q", c.executor)
	}

	a, err := agent.NewAgent(agent.AgentConfig{
		BrokerURL:         c.brokerURL,
		Version:           c.rootCmd.Version,
		ID:                c.id,
		Executor:          executor,
		ChunkSize:         c.chunkSize,
		ReconnectInterval: c.reconnectInterval,
		MemoryThreshold:   c.memoryThreshold,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create agent: %w", err)
	}
	logger.Infof("Starting agent %s with %s executor", a.ID(), c.executor)

	var g run.Group

	// Broker connection.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return a.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Memory monitor.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return a.MonitorMemory(ctx) },
			func(_ error) { cancel() },
		)
	}

	return g.Run()
}
