package endentity

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store using SQLite. The full record is kept as JSON
// next to the columns used for lookups.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

type row struct {
	Username      string    `db:"username"`
	CAID          int       `db:"ca_id"`
	ProfileID     int       `db:"profile_id"`
	CertProfileID int       `db:"cert_profile_id"`
	Status        string    `db:"status"`
	DNSerial      string    `db:"dn_serial"`
	SubjectDN     string    `db:"subject_dn"`
	Email         string    `db:"email"`
	Data          string    `db:"data"`
	CreatedAt     time.Time `db:"created_at"`
	ModifiedAt    time.Time `db:"modified_at"`
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection avoids "database is locked" errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite end entity store initialized", "database_path", dbPath)
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}
	if version == 0 {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		s.logger.Info("initialized database schema", "version", 1)
		return nil
	}
	s.logger.Debug("database schema already exists", "version", version)
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toRow(e *EndEntity) (*row, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal end entity: %w", err)
	}
	return &row{
		Username:      e.Username,
		CAID:          e.CAID,
		ProfileID:     e.ProfileID,
		CertProfileID: e.CertProfileID,
		Status:        string(e.Status),
		DNSerial:      SerialNumberOf(e.SubjectDN),
		SubjectDN:     e.SubjectDN,
		Email:         e.Email,
		Data:          string(data),
		CreatedAt:     e.Created.UTC(),
		ModifiedAt:    e.Modified.UTC(),
	}, nil
}

func fromRow(r *row) (*EndEntity, error) {
	var e EndEntity
	if err := json.Unmarshal([]byte(r.Data), &e); err != nil {
		return nil, fmt.Errorf("failed to parse end entity %s: %w", r.Username, err)
	}
	return &e, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, e *EndEntity) error {
	r, err := toRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO end_entities (
			username, ca_id, profile_id, cert_profile_id, status, dn_serial,
			subject_dn, email, data, created_at, modified_at
		) VALUES (
			:username, :ca_id, :profile_id, :cert_profile_id, :status, :dn_serial,
			:subject_dn, :email, :data, :created_at, :modified_at
		)`, r)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, e.Username)
		}
		return fmt.Errorf("failed to insert end entity: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, username string) (*EndEntity, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM end_entities WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
		}
		return nil, fmt.Errorf("failed to query end entity: %w", err)
	}
	return fromRow(&r)
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, e *EndEntity) error {
	r, err := toRow(e)
	if err != nil {
		return err
	}
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE end_entities
		SET ca_id = :ca_id, profile_id = :profile_id, cert_profile_id = :cert_profile_id,
		    status = :status, dn_serial = :dn_serial, subject_dn = :subject_dn,
		    email = :email, data = :data, modified_at = :modified_at
		WHERE username = :username`, r)
	if err != nil {
		return fmt.Errorf("failed to update end entity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, e.Username)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM end_entities WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete end entity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*EndEntity, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.CAID != 0 {
		where = append(where, "ca_id = ?")
		args = append(args, filter.CAID)
	}
	if filter.ProfileID != 0 {
		where = append(where, "profile_id = ?")
		args = append(args, filter.ProfileID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT * FROM end_entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY username"

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list end entities: %w", err)
	}
	out := make([]*EndEntity, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FindBySerialNumber implements Store.
func (s *SQLiteStore) FindBySerialNumber(ctx context.Context, caID int, serial string) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names,
		`SELECT username FROM end_entities WHERE ca_id = ? AND dn_serial = ? ORDER BY username`,
		caID, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to query serial number: %w", err)
	}
	return names, nil
}

// isUniqueConstraintError checks if the error is a UNIQUE or PRIMARY KEY
// constraint violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
