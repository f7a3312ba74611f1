package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/omrkit/omr/internal/api"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/printer"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"

	formatTable = "table"
	formatJSON  = "json"

	defaultBrokerURL = "http://127.0.0.1:8080"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug      bool
	NoLog      bool
	NoColor    bool
	LoggerType string
	DBPath     string

	// Global instances.
	Version string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	defaultDBPath := filepath.Join(homedir.HomeDir(), ".omr", "omr.db")
	app.Flag("db-path", "Path to the SQLite job journal.").Envar("OMR_DB_PATH").Default(defaultDBPath).StringVar(&c.DBPath)

	return c
}

// brokerFlags are the flags of the commands that query a running broker.
type brokerFlags struct {
	brokerURL string
	format    string
}

func (b *brokerFlags) register(cmd *kingpin.CmdClause) {
	cmd.Flag("broker-url", "Broker HTTP address.").Envar("OMR_BROKER_URL").Default(defaultBrokerURL).StringVar(&b.brokerURL)
	cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&b.format, formatTable, formatJSON)
}

func (b brokerFlags) client() (*api.Client, error) {
	c, err := api.NewClient(api.ClientConfig{BrokerURL: b.brokerURL})
	if err != nil {
		return nil, fmt.Errorf("could not create broker client: %w", err)
	}
	return c, nil
}

func (b brokerFlags) printer(w io.Writer) printer.Printer {
	switch b.format {
	case formatJSON:
		return printer.NewJSONPrinter(w)
	default:
		return printer.NewTablePrinter(w)
	}
}
