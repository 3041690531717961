package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/stowage/engine"
	"github.com/xraph/stowage/job"
	"github.com/xraph/stowage/setup"
	"github.com/xraph/stowage/storage"
	"github.com/xraph/stowage/tasks"
)

// dispatcher builds an engine over reg with the configured connector.
func (c *cli) dispatcher(reg *job.Registry) *engine.Dispatcher {
	return engine.New(c.cfg,
		engine.WithRegistry(reg),
		engine.WithConnector(setup.NewConnector(c.logger)),
		engine.WithLogger(c.logger),
	)
}

func stopWithin(d *engine.Dispatcher, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Stop(ctx)
}

func newWorkerCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve the object-storage task queues until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			disk, err := setup.NewDisk(c.cfg.Storage, c.logger)
			if err != nil {
				return err
			}

			reg := job.NewRegistry()
			d := c.dispatcher(reg)
			register := func(r *job.Registry) error {
				if err := job.Register(r, tasks.AdminDelete(disk)); err != nil {
					return err
				}
				return job.Register(r, tasks.Backup(disk, tasks.WithBackupLogger(c.logger)))
			}

			if _, err := d.Start(ctx, engine.WithRegisterWorkers(register)); err != nil {
				return err
			}
			c.logger.Info("worker running", slog.Int("loops", len(d.Pools())))

			<-ctx.Done()
			return stopWithin(d, c.cfg.ShutdownTimeout+5*time.Second)
		},
	}
}

func newEnqueueCommand(c *cli) *cobra.Command {
	var (
		priority   int
		retryLimit int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <json-payload>",
		Short: "Submit one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, payload := args[0], []byte(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			c.cfg.WorkersEnabled = false
			d := c.dispatcher(job.NewRegistry())
			if _, err := d.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = stopWithin(d, c.cfg.ShutdownTimeout) }()

			opts := []job.SendOption{job.WithPriority(priority)}
			if retryLimit >= 0 {
				opts = append(opts, job.WithRetryLimit(retryLimit))
			}
			jobID, err := d.Send(cmd.Context(), queue, payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID.String())
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority (higher runs first)")
	cmd.Flags().IntVar(&retryLimit, "retry-limit", -1, "override the retry limit")
	return cmd
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the queue schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.cfg.WorkersEnabled = false
			d := c.dispatcher(job.NewRegistry())
			if _, err := d.Start(cmd.Context()); err != nil {
				return err
			}
			c.logger.Info("queue schema is up to date")
			return stopWithin(d, c.cfg.ShutdownTimeout)
		},
	}
}

func newSignURLCommand(c *cli) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "sign-url <bucket> <key>",
		Short: "Print a time-limited download URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			disk, err := setup.NewDisk(c.cfg.Storage, c.logger)
			if err != nil {
				return err
			}
			u, err := disk.SignURL(cmd.Context(), storage.ObjectRef{Bucket: args[0], Key: args[1], Version: version})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "object version")
	return cmd
}
