package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand. It opens dbPath
// without applying migrations, runs the requested action against the
// embedded migrations and reports to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" {
		PrintMigrateHelp(out)
		if len(args) < 1 {
			return errors.New("missing migrate action")
		}
		return nil
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	migrations := MigrationsFS()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied")

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Rolled back one migration")

	case "status":
		status, err := database.GetMigrationStatus(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
		fmt.Fprintf(out, "Latest version:  %d\n", status.LatestVersion)
		fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
		if status.Dirty {
			fmt.Fprintln(out, "\n⚠️  WARNING: a migration failed mid-execution. Inspect the database, then run: rallie migrate force <version>")
		} else if status.Pending() {
			fmt.Fprintln(out, "Pending migrations: run 'rallie migrate up'")
		}
		return nil

	case "version", "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: rallie migrate %s <version_number>", action)
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if action == "force" {
			err = database.MigrateForce(migrations, int(v))
		} else {
			err = database.MigrateTo(migrations, uint(v))
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Schema at version %d\n", v)

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: rallie migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show current and latest schema versions
  version <n>        Migrate up or down to version n
  force <n>          Mark the schema as version n (recovery only)
  help               Show this help
`)
}
