// Command stowage runs the object-storage job workers and offers a few
// operational commands against the configured queue and storage backend.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/xraph/stowage"
)

// cli carries state shared by every command.
type cli struct {
	envFile  string
	logLevel string
	logJSON  bool

	cfg    stowage.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "stowage",
		Short:         "Background job runtime for object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file to load before reading STOWAGE_* variables")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&c.logJSON, "log-json", false, "emit JSON logs")

	root.AddCommand(
		newWorkerCommand(c),
		newEnqueueCommand(c),
		newMigrateCommand(c),
		newSignURLCommand(c),
	)
	return root
}

// load reads the dotenv file, overlays the environment onto the defaults
// and builds the logger.
func (c *cli) load() error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}

	c.cfg = stowage.DefaultConfig()
	stowage.ConfigFromEnv(&c.cfg)

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.logLevel))); err != nil {
		return fmt.Errorf("invalid --log-level %q", c.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.logJSON {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return nil
}
