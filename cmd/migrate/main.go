// Package main applies the group manager's PostgreSQL schema migrations.
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/config"
)

const usage = "Usage: migrate <up|down|down-all|version|force N>"

// command is a parsed migration command.
type command struct {
	name    string
	version int
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New(usage)
	}

	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "down", "down-all", "version":
		return cmd, nil
	case "force":
		if len(args) < 2 {
			return command{}, errors.New("Usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		cmd.version = v
		return cmd, nil
	default:
		return command{}, fmt.Errorf("unknown command %q. %s", cmd.name, usage)
	}
}

// loadDatabaseConfig reads the database section the same way the server does.
func loadDatabaseConfig(v *viper.Viper) (config.DatabaseConfig, error) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "groupmanager")
	v.SetDefault("database.password", "groupmanager")
	v.SetDefault("database.name", "groupmanager")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("migrations.url", "file://migrations")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("GROUPMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config.DatabaseConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg struct {
		Database config.DatabaseConfig `mapstructure:"database"`
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("failed to unmarshal database config: %w", err)
	}
	return cfg.Database, nil
}

func run(m *migrate.Migrate, cmd command, logger *zap.Logger) error {
	switch cmd.name {
	case "up":
		logger.Info("Running migrations up...")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "down":
		logger.Info("Rolling back last migration...")
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case "down-all":
		logger.Info("Rolling back all migrations...")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		logger.Info("Current migration version",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty),
		)
	case "force":
		logger.Info("Forcing version...", zap.Int("version", cmd.version))
		if err := m.Force(cmd.version); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
	}
	logger.Info("Migration command completed", zap.String("command", cmd.name))
	return nil
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		logger.Fatal("Invalid arguments", zap.Error(err))
	}

	v := viper.New()
	dbCfg, err := loadDatabaseConfig(v)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	db, err := sql.Open("pgx", dbCfg.URL())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	logger.Info("Connected to database",
		zap.String("host", dbCfg.Host),
		zap.String("database", dbCfg.Name),
	)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		logger.Fatal("Failed to create database driver", zap.Error(err))
	}

	m, err := migrate.NewWithDatabaseInstance(v.GetString("migrations.url"), "postgres", driver)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err))
	}

	if err := run(m, cmd, logger); err != nil {
		logger.Fatal("Migration failed", zap.Error(err))
	}
}
