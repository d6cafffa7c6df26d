package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/lolwierd/rig/internal/config"
	"github.com/lolwierd/rig/internal/db"
)

// openDB connects to the configured backend and runs migrations.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	var (
		gormDB *gorm.DB
		err    error
	)
	switch cfg.DB.Driver {
	case "mysql":
		gormDB, err = db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	default:
		gormDB, err = db.ConnectSQLite(cfg.DB.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the rig tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "rig.yaml", "path to rig config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if _, err := openDB(cfg); err != nil {
		return err
	}

	switch cfg.DB.Driver {
	case "mysql":
		fmt.Fprintf(out, "Connected to %s:%d/%s\n", cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	default:
		fmt.Fprintf(out, "Opened %s\n", cfg.DB.Path)
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
