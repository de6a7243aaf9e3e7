package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"careflow/backend/internal/config"
	"careflow/backend/internal/logging"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

//go:embed sample.yaml
var sampleSeed []byte

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load tenants, templates and workflow definitions from a YAML file",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("config", "", "Path to the YAML config file (default ./config.yaml)")
	rootCmd.Flags().StringP("file", "f", "", "Seed file to load (default: the bundled sample)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	raw := sampleSeed
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		if raw, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("failed to read seed file: %w", err)
		}
	}
	seed, err := parseSeed(raw)
	if err != nil {
		return err
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return apply(ctx, store, seed, logger)
}

// seedStore is the write surface the seeder needs.
type seedStore interface {
	UpsertTenant(ctx context.Context, t *models.Tenant) error
	UpsertTemplate(ctx context.Context, t *models.Template) error
	GetDefinition(ctx context.Context, id string) (*models.Definition, error)
	CreateDefinition(ctx context.Context, def *models.Definition) error
}
