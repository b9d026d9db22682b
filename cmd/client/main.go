package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mit-Vin/gfs-coordinator/internal/client"
	"github.com/Mit-Vin/gfs-coordinator/internal/logging"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gfs-cli",
		Short: "GFS Client CLI",
		Long:  `A command-line interface that finds the primary chunk server through the master and runs file operations on it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/client-config.yml", "path to client configuration file")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "primary",
			Short: "Show the current primary chunk server",
			Args:  cobra.NoArgs,
			RunE: withSession(func(ctx context.Context, s *client.Session, args []string) error {
				color.Green("Primary chunk server: %s", s.Primary())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "create <filename>",
			Short: "Create a new file",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(func(ctx context.Context, s *client.Session, args []string) error {
				return handleCreate(ctx, s, args[0])
			}),
		},
		&cobra.Command{
			Use:   "write <filename> <content>",
			Short: "Replace the content of a file",
			Args:  cobra.MinimumNArgs(2),
			RunE: withSession(func(ctx context.Context, s *client.Session, args []string) error {
				return handleWrite(ctx, s, args[0], strings.Join(args[1:], " "))
			}),
		},
		&cobra.Command{
			Use:   "read <filename>",
			Short: "Read file contents",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(func(ctx context.Context, s *client.Session, args []string) error {
				return handleRead(ctx, s, args[0])
			}),
		},
		&cobra.Command{
			Use:   "delete <filename>",
			Short: "Delete a file",
			Args:  cobra.ExactArgs(1),
			RunE: withSession(func(ctx context.Context, s *client.Session, args []string) error {
				return handleDelete(ctx, s, args[0])
			}),
		},
		newBenchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func setup() (*client.Config, *zap.Logger, error) {
	config, err := client.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return config, logger, nil
}

// withSession discovers the primary before running a one-shot command.
func withSession(fn func(ctx context.Context, s *client.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		config, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), config.MasterTimeout()+config.RequestTimeout())
		defer cancel()

		s := client.NewSessionFromConfig(config, logger)
		defer s.Close()
		if err := discover(ctx, s); err != nil {
			return err
		}
		return fn(ctx, s, args)
	}
}

func discover(ctx context.Context, s *client.Session) error {
	primary, err := s.Discover(ctx)
	if errors.Is(err, client.ErrNoPrimary) {
		return errors.New("the master has not selected a primary chunk server yet")
	}
	if err != nil {
		return fmt.Errorf("failed to reach the primary: %w", err)
	}
	color.Cyan("Connected to primary %s", primary)
	return nil
}

func handleCreate(ctx context.Context, s *client.Session, filename string) error {
	if err := s.Create(ctx, filename); err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	color.Green("File created successfully: %s", filename)
	return nil
}

func handleWrite(ctx context.Context, s *client.Session, filename, content string) error {
	if err := s.Write(ctx, filename, content); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	color.Green("Successfully wrote %d bytes to %s", len(content), filename)
	return nil
}

func handleRead(ctx context.Context, s *client.Session, filename string) error {
	content, err := s.Read(ctx, filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	color.Green("Successfully read %d bytes:", len(content))
	fmt.Println(content)
	return nil
}

func handleDelete(ctx context.Context, s *client.Session, filename string) error {
	if err := s.Delete(ctx, filename); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	color.Green("File deleted successfully: %s", filename)
	return nil
}
