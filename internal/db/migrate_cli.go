package db

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// RunMigrateCommand handles the 'migrate' subcommand dispatching
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}

	// Open database connection without running migrations; they manage the
	// schema themselves.
	database, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := runMigrateAction(database, args, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("%v", err)
	}
}

// errUsage is returned for malformed migrate invocations.
type errUsage string

func (e errUsage) Error() string { return string(e) }

func runMigrateAction(database *DB, args []string, in io.Reader, out io.Writer) error {
	switch action := args[0]; action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(); err != nil {
			return err
		}
		log.Println("✓ All migrations applied successfully")
		return printVersion(database, out)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(); err != nil {
			return err
		}
		log.Println("✓ Migration rolled back successfully")
		return printVersion(database, out)

	case "status":
		return printStatus(database, out)

	case "version":
		if len(args) < 2 {
			return errUsage("Usage: conflate migrate version <version_number>")
		}
		var target uint
		if _, err := fmt.Sscanf(args[1], "%d", &target); err != nil {
			return errUsage(fmt.Sprintf("Invalid version number: %s", args[1]))
		}
		log.Printf("Migrating to version %d...", target)
		if err := database.MigrateTo(target); err != nil {
			return err
		}
		log.Printf("✓ Migrated to version %d successfully", target)
		return nil

	case "force":
		if len(args) < 2 {
			return errUsage("Usage: conflate migrate force <version_number>")
		}
		var forced int
		if _, err := fmt.Sscanf(args[1], "%d", &forced); err != nil {
			return errUsage(fmt.Sprintf("Invalid version number: %s", args[1]))
		}
		fmt.Fprintf(out, "⚠️  WARNING: Forcing migration version to %d\n", forced)
		fmt.Fprintln(out, "This should only be used to recover from a dirty migration state.")
		fmt.Fprint(out, "Continue? [y/N]: ")

		var response string
		fmt.Fscanln(in, &response)
		if !strings.EqualFold(response, "y") {
			log.Println("Aborted")
			return nil
		}
		if err := database.MigrateForce(forced); err != nil {
			return err
		}
		log.Printf("✓ Migration version forced to %d", forced)
		return nil

	case "help":
		PrintMigrateHelp()
		return nil

	default:
		PrintMigrateHelp()
		return errUsage(fmt.Sprintf("Unknown migrate action: %s", action))
	}
}

func printVersion(database *DB, out io.Writer) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func printStatus(database *DB, out io.Writer) error {
	status, err := database.GetMigrationStatus()
	if err != nil {
		return err
	}
	latest, err := GetLatestMigrationVersion()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", status["current_version"])
	fmt.Fprintf(out, "Latest available: %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", status["dirty"])
	fmt.Fprintf(out, "Schema migrations table exists: %v\n", status["schema_migrations_exists"])

	if dirty, _ := status["dirty"].(bool); dirty {
		fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run:")
		fmt.Fprintln(out, "  conflate migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp displays the help message for the migrate command
func PrintMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: conflate migrate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current migration status and version")
	fmt.Println("  version <N>     Migrate to specific version N")
	fmt.Println("  force <N>       Force migration version to N (recovery only)")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --db <path>     Path to database file (default: conflation.db)")
}
