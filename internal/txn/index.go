package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Index is a SQLite-backed search index over the Store. It follows the store
// through a Subscription, so its rows always reflect a prefix of the store's
// mutation stream. Search results are resolved back through the Store, which
// stays the source of truth for every returned record.
type Index struct {
	db     *sql.DB
	store  *Store
	buffer int
	logger *slog.Logger
}

// OpenIndex opens (or creates) the index database. An empty path or
// ":memory:" keeps the index in memory.
func OpenIndex(path string, store *Store, buffer int, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if dsn == "" || dsn == ":memory:" {
		dsn = ":memory:"
	} else {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Every pooled connection to ":memory:" would get its own database.
	db.SetMaxOpenConns(1)

	ix := &Index{
		db:     db,
		store:  store,
		buffer: buffer,
		logger: logger.With("component", "txn.Index"),
	}
	if err := ix.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		method      TEXT NOT NULL,
		url         TEXT NOT NULL,
		status      INTEGER,
		duration_ms INTEGER,
		timestamp   DATETIME NOT NULL,
		tags        TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_method ON transactions(method);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	`
	if _, err := ix.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize index: %w", err)
	}
	return nil
}

// Close releases the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Run keeps the index in sync with the store until ctx is done. When the
// subscription is dropped for falling behind, the index is rebuilt from a
// fresh snapshot.
func (ix *Index) Run(ctx context.Context) error {
	for {
		snapshot, sub := ix.store.Subscribe(ix.buffer)
		if err := ix.Reset(snapshot); err != nil {
			sub.Close()
			return err
		}
		ix.logger.Debug("index synced", "size", len(snapshot))

		if err := ix.follow(ctx, sub); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		ix.logger.Warn("index subscription dropped, resyncing")
	}
}

func (ix *Index) follow(ctx context.Context, sub *Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := ix.Apply(ev); err != nil {
				ix.logger.Error("index apply failed", "type", ev.Type, "id", ev.Transaction.ID, "error", err)
			}
		}
	}
}

// Reset replaces the indexed rows with the given snapshot.
func (ix *Index) Reset(snapshot []Transaction) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM transactions"); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	for _, t := range snapshot {
		if err := insertRow(tx, t); err != nil {
			return fmt.Errorf("reset index: %w", err)
		}
	}
	return tx.Commit()
}

// Apply folds a single store event into the index.
func (ix *Index) Apply(ev Event) error {
	switch ev.Type {
	case EventAppended:
		return insertRow(ix.db, ev.Transaction)
	case EventUpdated:
		t := ev.Transaction
		_, err := ix.db.Exec("UPDATE transactions SET status = ?, duration_ms = ?, tags = ? WHERE id = ?",
			nullInt(t.Status), nullInt64(t.Duration), strings.Join(t.Tags, ","), t.ID)
		return err
	case EventCleared:
		_, err := ix.db.Exec("DELETE FROM transactions")
		return err
	case EventEvicted:
		_, err := ix.db.Exec("DELETE FROM transactions WHERE id = ?", ev.Transaction.ID)
		return err
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertRow(db execer, t Transaction) error {
	_, err := db.Exec(`INSERT INTO transactions (id, method, url, status, duration_ms, timestamp, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Method, t.URL, nullInt(t.Status), nullInt64(t.Duration),
		t.Timestamp.UTC().Format(time.RFC3339Nano), strings.Join(t.Tags, ","),
	)
	return err
}

// Search returns transactions matching every non-empty field of f, in
// insertion order. Keyword matches a substring of the url or method, Domain a
// substring of the url; both are case-insensitive.
func (ix *Index) Search(f SearchFilter) ([]Transaction, error) {
	where, args := buildSearchWhere(f)
	query := "SELECT id FROM transactions" + where + " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := make([]Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := ix.store.Get(id)
		if errors.Is(err, ErrNotFound) {
			// Cleared or evicted between the query and this lookup.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func buildSearchWhere(f SearchFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Keyword != "" {
		p := likePattern(f.Keyword)
		clauses = append(clauses, `(url LIKE ? ESCAPE '\' OR method LIKE ? ESCAPE '\')`)
		args = append(args, p, p)
	}
	if f.Method != "" {
		clauses = append(clauses, "method = ?")
		args = append(args, strings.ToUpper(f.Method))
	}
	if f.Status != 0 {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Domain != "" {
		clauses = append(clauses, `url LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.Domain))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
