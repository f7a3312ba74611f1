package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/omrkit/omr/internal/api"
	"github.com/omrkit/omr/internal/app/dispatch"
	"github.com/omrkit/omr/internal/app/jobs"
	"github.com/omrkit/omr/internal/app/status"
	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/config"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/model"
	"github.com/omrkit/omr/internal/storage"
	"github.com/omrkit/omr/internal/storage/memory"
	"github.com/omrkit/omr/internal/storage/sqlite"
)

// BrokerCommand runs the broker server.
type BrokerCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	configFile     string
	maxUploadBytes int64
	// Zero values are not set, file or default values are used.
	overrides model.BrokerConfig
	selection string
	journal   string
}

// NewBrokerCommand returns the broker command.
func NewBrokerCommand(rootCmd *RootCommand, app *kingpin.Application) *BrokerCommand {
	c := &BrokerCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("broker", "Run the broker server.")
	c.Cmd.Flag("config", "Path to a YAML broker configuration file.").Short('c').StringVar(&c.configFile)
	c.Cmd.Flag("listen-addr", "Address the HTTP and socket server listens on.").StringVar(&c.overrides.ListenAddr)
	c.Cmd.Flag("heartbeat-interval", "Interval of the worker liveness probes.").DurationVar(&c.overrides.HeartbeatInterval)
	c.Cmd.Flag("heartbeat-timeout", "Workers without heartbeat for longer are disconnected.").DurationVar(&c.overrides.HeartbeatTimeout)
	c.Cmd.Flag("chunk-size", "Bytes per file chunk sent to the workers.").IntVar(&c.overrides.ChunkSize)
	c.Cmd.Flag("selection", "Worker selection policy.").EnumVar(&c.selection, string(model.SelectionRandom), string(model.SelectionLeastLoaded))
	c.Cmd.Flag("dispatch-timeout", "Maximum time a job can take (0 disables it).").DurationVar(&c.overrides.DispatchTimeout)
	c.Cmd.Flag("journal", "Job journal backend.").EnumVar(&c.journal, string(model.JournalMemory), string(model.JournalSQLite))
	c.Cmd.Flag("max-upload-bytes", "Maximum size of a job file (0 means no limit).").Int64Var(&c.maxUploadBytes)

	return c
}

func (c BrokerCommand) Name() string { return c.Cmd.FullCommand() }

func (c BrokerCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.brokerConfig(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Broker configuration: listen=%s heartbeat=%s/%s chunk=%d selection=%s journal=%s",
		cfg.ListenAddr, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, cfg.ChunkSize, cfg.Selection, cfg.Journal)

	repo, closeRepo, err := newJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	notifier, err := broker.NewNotifier(broker.NotifierConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create notifier: %w", err)
	}

	registry, err := broker.NewRegistry(broker.RegistryConfig{
		Notifier:          notifier,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create worker registry: %w", err)
	}

	dispatchSvc, err := dispatch.NewService(dispatch.ServiceConfig{
		Workers:    registry,
		Notifier:   notifier,
		Repository: repo,
		Selection:  cfg.Selection,
		ChunkSize:  cfg.ChunkSize,
		Timeout:    cfg.DispatchTimeout,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create dispatch service: %w", err)
	}

	statusSvc, err := status.NewService(status.ServiceConfig{
		Workers:  registry,
		Sessions: notifier,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("could not create status service: %w", err)
	}

	jobSvc, err := jobs.NewService(jobs.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create jobs service: %w", err)
	}

	server, err := api.NewServer(api.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		Dispatcher:     dispatchSvc,
		Status:         statusSvc,
		Jobs:           jobSvc,
		Workers:        registry,
		Sessions:       notifier,
		MaxUploadBytes: c.maxUploadBytes,
		OnShutdown:     registry.Shutdown,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create server: %w", err)
	}

	var g run.Group

	// HTTP server.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return server.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Worker heartbeat.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error { return registry.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	return g.Run()
}

// brokerConfig resolves the configuration from the defaults, the optional
// config file and the flags, in that order of precedence.
func (c BrokerCommand) brokerConfig(ctx context.Context) (model.BrokerConfig, error) {
	var cfg model.BrokerConfig
	if c.configFile != "" {
		path, err := filepath.Abs(c.configFile)
		if err != nil {
			return cfg, fmt.Errorf("invalid config path: %w", err)
		}

		repo := config.NewBrokerYAMLRepository(os.DirFS(filepath.Dir(path)))
		cfg, err = repo.GetBrokerConfig(ctx, filepath.Base(path))
		if err != nil {
			return cfg, fmt.Errorf("could not load config: %w", err)
		}
	}

	overrides := c.overrides
	overrides.Selection = model.SelectionPolicy(c.selection)
	overrides.Journal = model.JournalKind(c.journal)

	return resolveBrokerConfig(cfg, overrides, c.rootCmd.DBPath)
}

// resolveBrokerConfig applies the non zero overrides over the base config.
func resolveBrokerConfig(base, overrides model.BrokerConfig, defaultDBPath string) (model.BrokerConfig, error) {
	cfg := base
	if overrides.ListenAddr != "" {
		cfg.ListenAddr = overrides.ListenAddr
	}
	if overrides.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = overrides.HeartbeatInterval
	}
	if overrides.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = overrides.HeartbeatTimeout
	}
	if overrides.ChunkSize != 0 {
		cfg.ChunkSize = overrides.ChunkSize
	}
	if overrides.Selection != "" {
		cfg.Selection = overrides.Selection
	}
	if overrides.DispatchTimeout != 0 {
		cfg.DispatchTimeout = overrides.DispatchTimeout
	}
	if overrides.Journal != "" {
		cfg.Journal = overrides.Journal
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid broker configuration: %w", err)
	}

	return cfg, nil
}

func newJournal(ctx context.Context, cfg model.BrokerConfig, logger log.Logger) (repo storage.JobRepository, closeFn func(), err error) {
	switch cfg.Journal {
	case model.JournalSQLite:
		r, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: cfg.DBPath, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create repository: %w", err)
		}
		return r, func() {
			if err := r.Close(); err != nil {
				logger.Errorf("Could not close journal: %s", err)
			}
		}, nil

	default:
		r, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create repository: %w", err)
		}
		return r, func() {}, nil
	}
}
