package commands

import (
	"fmt"
	"strconv"

	"github.com/banshee-data/worldmodel/internal/db"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply, roll back or inspect the embedded schema migrations. The database
path comes from --db, or database_path in the config file.`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides the config file)")

	// withDB opens the database without migrating it and runs fn.
	withDB := func(cmd *cobra.Command, fn func(*db.DB) error) error {
		path := dbPath
		if path == "" {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			path = cfg.GetDatabasePath()
		}
		database, err := db.OpenDB(path)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		return fn(database)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(database *db.DB) error {
					if err := database.MigrateUp(); err != nil {
						return err
					}
					return printMigrateStatus(cmd, database)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(database *db.DB) error {
					if err := database.MigrateDown(); err != nil {
						return err
					}
					return printMigrateStatus(cmd, database)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(database *db.DB) error {
					return printMigrateStatus(cmd, database)
				})
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Long: `Set the recorded schema version and clear the dirty flag. Only use this
to recover after a migration failed part way and the database was repaired
by hand.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil || version < 0 {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return withDB(cmd, func(database *db.DB) error {
					if err := database.MigrateForce(version); err != nil {
						return err
					}
					return printMigrateStatus(cmd, database)
				})
			},
		},
	)
	return cmd
}

func printMigrateStatus(cmd *cobra.Command, database *db.DB) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := db.LatestMigrationVersion()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Current version: %d\n", version)
	fmt.Fprintf(w, "Latest version: %d\n", latest)
	fmt.Fprintf(w, "Dirty: %v\n", dirty)
	if dirty {
		color.New(color.FgYellow).Fprintf(w, "The database is dirty. Repair it, then run: worldmodel migrate force %d\n", version)
	} else if version < latest {
		fmt.Fprintf(w, "%d migration(s) pending\n", latest-version)
	}
	return nil
}
