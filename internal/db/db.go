package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

// DB is the conflation store. Writes that must not interleave (bulk match
// inserts, dispute resolution) take the writer lock through WithWriteTx.
type DB struct {
	*sql.DB

	path    string
	writeMu sync.Mutex
}

// OpenDB opens the database without touching the schema. Used by the
// migrate subcommand, which manages the schema itself.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				// ErrTxDone means transaction was already committed/rolled back
				log.Printf("warning: failed to rollback transaction: %v", err)
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// WithWriteTx is WithTx under the store's exclusive writer lock.
func (db *DB) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.WithTx(ctx, fn)
}

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

// retryOnBusy retries fn while SQLite reports the database as locked.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(busyBackoff * time.Duration(attempt+1))
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Conflation DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("conflation-backup-%d.db", time.Now().Unix()))
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to write backup: %v", err)
		}
	}))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
