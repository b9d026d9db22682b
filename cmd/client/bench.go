package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mit-Vin/gfs-coordinator/internal/client"
)

type BenchmarkResult struct {
	ClientID     int           `json:"client_id"`
	NumClients   int           `json:"num_clients"`
	OperationID  int           `json:"operation_id"`
	DataSize     int           `json:"data_size"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	Locked       bool          `json:"locked"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

type benchOptions struct {
	maxClients   int
	opsPerClient int
	dataSize     int
	outputDir    string
}

func newBenchCommand() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent writes against one shared file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runBenchmarks(cmd.Context(), config, logger, opts)
		},
	}
	cmd.Flags().IntVar(&opts.maxClients, "clients", 10, "run rounds with 1 up to this many concurrent clients")
	cmd.Flags().IntVar(&opts.opsPerClient, "ops", 100, "number of writes per client")
	cmd.Flags().IntVar(&opts.dataSize, "size", 1024, "size of each write in bytes")
	cmd.Flags().StringVar(&opts.outputDir, "outputdir", "benchmark_results", "output directory for results")
	return cmd
}

func runBenchmarks(ctx context.Context, config *client.Config, logger *zap.Logger, opts benchOptions) error {
	if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	for numClients := 1; numClients <= opts.maxClients; numClients++ {
		color.Cyan("Running benchmark with %d clients...", numClients)
		results, err := runBenchmark(ctx, config, logger, numClients, opts)
		if err != nil {
			return err
		}

		outputFile := filepath.Join(opts.outputDir, fmt.Sprintf("benchmark_%d_clients.json", numClients))
		if err := writeResults(outputFile, results); err != nil {
			return err
		}
		printSummary(results)
	}

	color.Green("All benchmarks complete. Results written to %s", opts.outputDir)
	return nil
}

func runBenchmark(ctx context.Context, config *client.Config, logger *zap.Logger, numClients int, opts benchOptions) ([]BenchmarkResult, error) {
	filename := fmt.Sprintf("benchmark_shared_file_%d.txt", numClients)

	owner := client.NewSessionFromConfig(config, logger)
	defer owner.Close()
	if err := discover(ctx, owner); err != nil {
		return nil, err
	}
	if err := owner.Create(ctx, filename); err != nil {
		return nil, fmt.Errorf("failed to create shared file: %w", err)
	}

	data := strings.Repeat("ABCDEFGHIJKLMNOPQRSTUVWXYZ", opts.dataSize/26+1)[:opts.dataSize]

	var (
		results []BenchmarkResult
		mu      sync.Mutex
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numClients; i++ {
		clientID := i
		g.Go(func() error {
			s := client.NewSessionFromConfig(config, logger)
			defer s.Close()
			if _, err := s.Discover(ctx); err != nil {
				return fmt.Errorf("client %d failed to connect: %w", clientID, err)
			}

			for op := 0; op < opts.opsPerClient; op++ {
				start := time.Now()
				result := BenchmarkResult{
					ClientID:    clientID,
					NumClients:  numClients,
					OperationID: op,
					DataSize:    opts.dataSize,
					Timestamp:   start,
					Success:     true,
				}

				err := s.Write(ctx, filename, data)
				result.Duration = time.Since(start)
				if err != nil {
					result.Success = false
					result.Locked = errors.Is(err, client.ErrLocked)
					result.ErrorMessage = err.Error()
					if s.State() != client.ConnectedToPrimary {
						if _, err := s.Discover(ctx); err != nil {
							return fmt.Errorf("client %d lost the primary: %w", clientID, err)
						}
					}
				}

				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func writeResults(path string, results []BenchmarkResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

func printSummary(results []BenchmarkResult) {
	var ok, locked int
	var total time.Duration
	for _, r := range results {
		total += r.Duration
		if r.Success {
			ok++
		} else if r.Locked {
			locked++
		}
	}
	if len(results) == 0 {
		return
	}
	fmt.Printf("  %d writes, %d ok, %d locked, %d failed, mean latency %s\n",
		len(results), ok, locked, len(results)-ok-locked, total/time.Duration(len(results)))
}
