package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/richarddahl/uno-batch/pkg/config"
	"github.com/richarddahl/uno-batch/pkg/logger"
	"github.com/richarddahl/uno-batch/pkg/operations"
	"github.com/richarddahl/uno-batch/pkg/storage"
	"github.com/richarddahl/uno-batch/pkg/storage/pgstore"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:   "unobatch",
		Short: "Uno batch engine - bulk database operations with adaptive batching",
		Long: `unobatch runs bulk database operations through the Uno batch engine:
size-adaptive chunking, per-chunk retries, and sequential, parallel, or
optimistic execution strategies against PostgreSQL.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to engine configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("unobatch v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate an engine configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Printf("configuration %s is valid\n", configPath)
			return nil
		},
	})

	root.AddCommand(newImportCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newImportCmd(configPath *string) *cobra.Command {
	var (
		table            string
		uniqueFields     []string
		updateOnConflict bool
		batchSize        int
		parallel         bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a JSON-lines file into a PostgreSQL table",
		Long: `import reads one JSON object per line from the given file and loads the
rows into the target table in batches. Rows whose unique-field combination
already exists are skipped, or updated with --update-on-conflict.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default("unobatch")
			if *configPath != "" {
				loaded, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if table != "" {
				cfg.Database.Table = table
			}
			if batchSize > 0 {
				cfg.Batch.BatchSize = batchSize
			}
			if cfg.Database.URL == "" {
				cfg.Database.URL = os.Getenv("DATABASE_URL")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("no database URL configured (set DATABASE_URL or database.url)")
			}
			if cfg.Database.Table == "" {
				return fmt.Errorf("no target table configured (use --table or database.table)")
			}
			if len(uniqueFields) == 0 {
				return fmt.Errorf("--unique-fields is required")
			}

			if err := logger.Init(logger.Config{
				Level:       cfg.Observability.LogLevel,
				Development: cfg.Observability.Development,
				Encoding:    "console",
			}); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return runImport(cmd.Context(), cfg, args[0], uniqueFields, updateOnConflict, parallel)
		},
	}

	cmd.Flags().StringVarP(&table, "table", "t", "", "target table name")
	cmd.Flags().StringSliceVarP(&uniqueFields, "unique-fields", "u", nil, "fields identifying a duplicate row")
	cmd.Flags().BoolVar(&updateOnConflict, "update-on-conflict", false, "update existing rows instead of skipping them")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 0, "override the configured batch size")
	cmd.Flags().BoolVarP(&parallel, "parallel", "p", false, "execute chunks in parallel")
	return cmd
}

func runImport(ctx context.Context, cfg *config.EngineConfig, path string, uniqueFields []string, updateOnConflict, parallel bool) error {
	rows, err := readJSONLines(path)
	if err != nil {
		return err
	}
	logger.Info("loaded import file",
		zap.String("file", path),
		zap.Int("rows", len(rows)))

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	idColumn := cfg.Database.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}

	store := pgstore.NewRowStore(pool, cfg.Database.Table, idColumn, logger.Get())
	ops := operations.New(cfg.Database.Table, store, pgstore.NewExecutor(pool), cfg.Settings(), logger.Get())

	start := time.Now()
	stats, err := ops.Import(ctx, rows, uniqueFields, operations.ImportOptions{
		UpdateOnConflict: updateOnConflict,
		Parallel:         parallel,
	})
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("imported %d rows in %s\n", stats.Total, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  inserted: %d\n", stats.Inserted)
	fmt.Printf("  updated:  %d\n", stats.Updated)
	fmt.Printf("  skipped:  %d\n", stats.Skipped)
	fmt.Printf("  errors:   %d\n", stats.Errors)
	return nil
}

// readJSONLines parses one JSON object per non-empty line.
func readJSONLines(path string) ([]storage.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	var rows []storage.Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row storage.Row
		if err := gojson.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse line %d: %w", lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}
	return rows, nil
}
