package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	apperrors "lifelogpipe/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the typed record store: one sqlite table per DataOrigin, plus
// the catalog/watermarks/chunk_records bootstrap tables. Modeled on
// ClusterCockpit-cc-backend's repository.go (sqlx.DB + squirrel
// StmtCache), generalized from one static `job` table to dynamically
// created per-origin tables (schema-on-write, spec §4.3).
type Store struct {
	db        *sqlx.DB
	stmtCache *sq.StmtCache
	log       *logrus.Entry

	mu      sync.RWMutex
	known   map[string]bool // TableName() -> created
}

// Open opens (and migrates) the sqlite-backed store at dsn (a file path
// or ":memory:").
func Open(dsn string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.DatabaseError("store", "open", "open sqlite3").Wrap(err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if err := runMigrations(db.DB, dsn); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		stmtCache: sq.NewStmtCache(db.DB),
		log:       log.WithField("component", "store"),
		known:     make(map[string]bool),
	}
	if err := s.loadCatalog(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func runMigrations(db *sql.DB, dsn string) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return apperrors.DatabaseError("store", "migrate", "build iofs source").Wrap(err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return apperrors.DatabaseError("store", "migrate", "build sqlite3 driver").Wrap(err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return apperrors.DatabaseError("store", "migrate", "construct migrator").Wrap(err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return apperrors.New(apperrors.CodeDatabaseMigration, "store", "migrate", "run migrations").Wrap(err)
	}
	return nil
}

func (s *Store) loadCatalog() error {
	rows, err := s.db.Queryx("SELECT origin FROM catalog")
	if err != nil {
		return apperrors.DatabaseError("store", "load_catalog", "query catalog").Wrap(err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return apperrors.DatabaseError("store", "load_catalog", "scan catalog row").Wrap(err)
		}
		o, perr := ParseOrigin(origin)
		if perr != nil {
			continue
		}
		s.known[o.TableName()] = true
	}
	return nil
}

// EnsureOrigin creates the per-origin table on first write and records a
// catalog row, per spec §4.3 schema-on-write. No-op if already known.
func (s *Store) EnsureOrigin(o DataOrigin) error {
	s.mu.RLock()
	known := s.known[o.TableName()]
	s.mu.RUnlock()
	if known {
		return nil
	}

	schema, ok := SchemaFor(o.Modality)
	if !ok {
		return apperrors.ValidationError("store", "ensure_origin", fmt.Sprintf("unknown modality %q", o.Modality))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[o.TableName()] {
		return nil
	}

	var cols []string
	cols = append(cols, "uuid TEXT PRIMARY KEY")
	for _, c := range schema.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
	}
	cols = append(cols,
		"t_device DATETIME NOT NULL",
		"t_canonical DATETIME",
		"t_end DATETIME",
		"t_ingest DATETIME",
		"time_quality TEXT NOT NULL",
	)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", o.TableName(), strings.Join(cols, ", "))
	if _, err := s.db.Exec(ddl); err != nil {
		return apperrors.New(apperrors.CodeDatabaseMigration, "store", "ensure_origin", "create origin table").Wrap(err)
	}

	for _, tf := range schema.TextFields {
		idxName := fmt.Sprintf("idx_%s_%s", sanitizeIdent(o.TableName()), tf)
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (%s)", idxName, o.TableName(), tf)
		if _, err := s.db.Exec(idx); err != nil {
			return apperrors.New(apperrors.CodeDatabaseMigration, "store", "ensure_origin", "create text index").Wrap(err)
		}
	}

	if _, err := sq.Insert("catalog").Columns("origin", "modality").
		Values(o.String(), string(o.Modality)).
		Suffix("ON CONFLICT(origin) DO NOTHING").
		RunWith(s.stmtCache).Exec(); err != nil {
		return apperrors.DatabaseError("store", "ensure_origin", "insert catalog row").Wrap(err)
	}

	s.known[o.TableName()] = true
	return nil
}

func sanitizeIdent(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, s)
}

// UpsertRecord writes a record, keyed by uuid, into its origin's table.
// Blob-bearing fields must already have been redirected to blob_hash by
// the caller (the chunk ingester); Store never talks to CAS directly.
func (s *Store) UpsertRecord(o DataOrigin, r Record) error {
	if err := r.Envelope.Validate(); err != nil {
		return err
	}
	if err := s.EnsureOrigin(o); err != nil {
		return err
	}

	schema, _ := SchemaFor(o.Modality)
	cols := []string{"uuid"}
	vals := []interface{}{r.UUID.String()}
	for _, c := range schema.Columns {
		cols = append(cols, c.Name)
		vals = append(vals, r.Fields[c.Name])
	}
	cols = append(cols, "t_device", "t_canonical", "t_end", "t_ingest", "time_quality")
	vals = append(vals, r.Envelope.TDevice, r.Envelope.TCanonical, r.Envelope.TEnd, r.Envelope.TIngest, string(r.Envelope.TimeQuality))

	setClauses := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		setClauses = append(setClauses, fmt.Sprintf("%s=excluded.%s", c, c))
	}

	q := sq.Insert(o.TableName()).Columns(cols...).Values(vals...).
		Suffix(fmt.Sprintf("ON CONFLICT(uuid) DO UPDATE SET %s", strings.Join(setClauses, ", ")))
	if _, err := q.RunWith(s.stmtCache).Exec(); err != nil {
		return apperrors.DatabaseError("store", "upsert_record", "upsert into origin table").Wrap(err)
	}
	return nil
}

// KnownOrigins returns the DataOrigin of every origin the catalog
// currently knows about, sorted for deterministic iteration by the planner.
func (s *Store) KnownOrigins() []DataOrigin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var origins []DataOrigin
	rows, err := s.db.Queryx("SELECT origin FROM catalog ORDER BY origin")
	if err != nil {
		return nil
	}
	defer rows.Close()
	for rows.Next() {
		var o string
		if rows.Scan(&o) == nil {
			if parsed, err := ParseOrigin(o); err == nil {
				origins = append(origins, parsed)
			}
		}
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i].String() < origins[j].String() })
	return origins
}

// RecordChunk inserts a ChunkRecord row; part of the ingester's durability
// gate (spec §4.3 step 7).
func (s *Store) RecordChunk(collectorID, streamID string, sessionID uint64, offset, length int64) error {
	_, err := sq.Insert("chunk_records").
		Columns("collector_id", "stream_id", "session_id", "offset_bytes", "length_bytes").
		Values(collectorID, streamID, sessionID, offset, length).
		RunWith(s.stmtCache).Exec()
	if err != nil {
		return apperrors.DatabaseError("store", "record_chunk", "insert chunk_records row").Wrap(err)
	}
	return nil
}

// NextExpectedOffset returns max(offset+length) for the session, or 0 if
// no chunks have been recorded yet (spec §4.3: ingester state init).
func (s *Store) NextExpectedOffset(collectorID, streamID string, sessionID uint64) (int64, error) {
	var next sql.NullInt64
	err := sq.Select("MAX(offset_bytes + length_bytes)").From("chunk_records").
		Where(sq.Eq{"collector_id": collectorID, "stream_id": streamID, "session_id": sessionID}).
		RunWith(s.stmtCache).QueryRow().Scan(&next)
	if err != nil {
		return 0, apperrors.DatabaseError("store", "next_expected_offset", "query chunk_records").Wrap(err)
	}
	if !next.Valid {
		return 0, nil
	}
	return next.Int64, nil
}

// SetWatermark advances a transform's watermark; callers must ensure
// monotonicity (invariant 8) before calling.
func (s *Store) SetWatermark(transformID string, ts time.Time) error {
	_, err := sq.Insert("watermarks").Columns("transform_id", "last_processed_timestamp").
		Values(transformID, ts).
		Suffix("ON CONFLICT(transform_id) DO UPDATE SET last_processed_timestamp=excluded.last_processed_timestamp").
		RunWith(s.stmtCache).Exec()
	if err != nil {
		return apperrors.DatabaseError("store", "set_watermark", "upsert watermark").Wrap(err)
	}
	return nil
}

// Watermark returns the current watermark for a transform, or the zero
// time if none has been recorded.
func (s *Store) Watermark(transformID string) (time.Time, error) {
	var ts time.Time
	err := sq.Select("last_processed_timestamp").From("watermarks").
		Where(sq.Eq{"transform_id": transformID}).
		RunWith(s.stmtCache).QueryRow().Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.DatabaseError("store", "watermark", "query watermark").Wrap(err)
	}
	return ts, nil
}

// GetRecord fetches one row by uuid from o's table as a column-name ->
// value map, for the GetData RPC's rehydration path (spec §6). Returns
// CodeIONotFound if no such row exists.
func (s *Store) GetRecord(o DataOrigin, id string) (map[string]interface{}, error) {
	rows, err := s.db.Queryx(fmt.Sprintf("SELECT * FROM %q WHERE uuid = ?", o.TableName()), id)
	if err != nil {
		return nil, apperrors.DatabaseError("store", "get_record", "query origin table").Wrap(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, apperrors.New(apperrors.CodeIONotFound, "store", "get_record", "record not found").
			WithMetadata("uuid", id).WithMetadata("origin", o.String())
	}
	row, err := rows.SliceScan()
	if err != nil {
		return nil, apperrors.DatabaseError("store", "get_record", "scan row").Wrap(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, apperrors.DatabaseError("store", "get_record", "read columns").Wrap(err)
	}
	out := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		out[c] = row[i]
	}
	return out, nil
}

// DB exposes the underlying *sqlx.DB for the query executor, which needs
// raw SELECT access against arbitrary origin tables the planner names.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
