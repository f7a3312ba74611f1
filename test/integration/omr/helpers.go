package omr

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omrkit/omr/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "omr"
	}

	// go test changes the CWD to the test package directory, relative paths are ambiguous.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("OMR_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
	}
	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("omr binary not found at %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "OMR_INTEGRATION"
		envBinary     = "OMR_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{Binary: os.Getenv(envBinary)}
	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// FreeAddr returns a local address with a free port.
func FreeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not get a free port: %s", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// StartBroker runs a broker with a sqlite journal until the test ends.
func StartBroker(t *testing.T, config Config, addr, dbPath string) {
	t.Helper()

	args := []string{"--db-path", dbPath, "broker", "--listen-addr", addr, "--journal", "sqlite", "--chunk-size", "1024"}
	start(t, config, args)
}

// StartAgent runs an echo worker agent until the test ends.
func StartAgent(t *testing.T, config Config, brokerURL, id string) {
	t.Helper()

	args := []string{"agent", "--broker-url", brokerURL, "--id", id, "--reconnect-interval", "200ms", "--memory-threshold", "100"}
	start(t, config, args)
}

func start(t *testing.T, config Config, args []string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := testutils.StartOMR(ctx, nil, config.Binary, args)
	if err != nil {
		cancel()
		t.Fatalf("could not start %v: %s", args, err)
	}

	t.Cleanup(func() {
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			_ = p.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Errorf("%v did not stop, output:\n%s", args, p.Output())
		}
	})
}

// RunOMRCmd runs a short lived omr command without logs.
func RunOMRCmd(ctx context.Context, config Config, cmdArgs string) (stdout, stderr []byte, err error) {
	return testutils.RunOMR(ctx, nil, config.Binary, cmdArgs, true)
}

// RunWorkers lists the broker workers in JSON format.
func RunWorkers(ctx context.Context, config Config, brokerURL string) (stdout, stderr []byte, err error) {
	return RunOMRCmd(ctx, config, fmt.Sprintf("workers --broker-url %s --format json", brokerURL))
}

// RunTasksList lists the broker jobs in JSON format.
func RunTasksList(ctx context.Context, config Config, brokerURL string) (stdout, stderr []byte, err error) {
	return RunOMRCmd(ctx, config, fmt.Sprintf("tasks list --broker-url %s --format json", brokerURL))
}

// RunTasksGet gets a broker job in JSON format.
func RunTasksGet(ctx context.Context, config Config, brokerURL, taskID string) (stdout, stderr []byte, err error) {
	return RunOMRCmd(ctx, config, fmt.Sprintf("tasks get %s --broker-url %s --format json", taskID, brokerURL))
}
