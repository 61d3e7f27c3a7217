package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"mycelium-ei-lang.com/cloud/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const licenseColumns = `id, user_id, key, plan, status, issued_at, expires_at, last_event_at,
	usage_compilations, usage_api_calls, last_used, features,
	max_compilations, max_api_calls, max_users, allow_commercial,
	payment_method, correlation_id, customer_email, company_name, hardware_prints,
	revision, created_at, updated_at`

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, key))
}

func (s *SQLiteStorage) FindLicenseByCorrelation(ctx context.Context, correlationID string) (*models.License, error) {
	if correlationID == "" {
		return nil, nil
	}
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE correlation_id = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, correlationID))
}

func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	license.Revision = 1
	if err := insertLicense(ctx, s.db, license); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("license %s: %w", license.ID, ErrConflict)
		}
		return fmt.Errorf("failed to save license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetWebhookEvent(ctx context.Context, externalEventID string) (*models.WebhookEvent, error) {
	query := `SELECT external_event_id, provider, correlation_id, type, provider_ts, outcome, recorded_at
		FROM webhook_events WHERE external_event_id = ?`

	var event models.WebhookEvent
	err := s.db.QueryRowContext(ctx, query, externalEventID).Scan(
		&event.ExternalEventID,
		&event.Provider,
		&event.CorrelationID,
		&event.Type,
		&event.ProviderTimestamp,
		&event.Outcome,
		&event.RecordedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *SQLiteStorage) ApplyReconciliation(ctx context.Context, license *models.License, entry *models.WebhookEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if license != nil {
		if license.Revision == 0 {
			license.Revision = 1
			if err := insertLicense(ctx, tx, license); err != nil {
				license.Revision = 0
				if isUniqueViolation(err) {
					return fmt.Errorf("license %s: %w", license.ID, ErrConflict)
				}
				return fmt.Errorf("failed to insert license: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `UPDATE licenses SET
					user_id = ?, plan = ?, status = ?, expires_at = ?, last_event_at = ?,
					features = ?, max_compilations = ?, max_api_calls = ?, max_users = ?, allow_commercial = ?,
					payment_method = ?, correlation_id = ?, customer_email = ?, company_name = ?, hardware_prints = ?,
					revision = revision + 1, updated_at = ?
				WHERE id = ? AND revision = ?`,
				license.UserID,
				string(license.Plan),
				string(license.Status),
				license.ExpiresAt,
				nullableTime(license.LastAppliedEventTime),
				marshalStrings(license.Features),
				license.Restrictions.MaxCompilations,
				license.Restrictions.MaxAPICalls,
				license.Restrictions.MaxUsers,
				license.Restrictions.AllowCommercial,
				string(license.Metadata.PaymentMethod),
				license.Metadata.CorrelationID,
				license.Metadata.CustomerEmail,
				license.Metadata.CompanyName,
				marshalStrings(license.Metadata.HardwarePrints),
				time.Now().UTC(),
				license.ID,
				license.Revision,
			)
			if err != nil {
				return fmt.Errorf("failed to update license: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read update result: %w", err)
			}
			if affected == 0 {
				return fmt.Errorf("license %s revision %d: %w", license.ID, license.Revision, ErrConflict)
			}
			license.Revision++
		}
	}

	if entry != nil {
		if entry.RecordedAt.IsZero() {
			entry.RecordedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO webhook_events
				(external_event_id, provider, correlation_id, type, provider_ts, outcome, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ExternalEventID,
			entry.Provider,
			entry.CorrelationID,
			entry.Type,
			entry.ProviderTimestamp,
			string(entry.Outcome),
			entry.RecordedAt,
		)
		if err != nil {
			if license != nil && license.Revision > 0 {
				license.Revision--
			}
			if isUniqueViolation(err) {
				return fmt.Errorf("event %s: %w", entry.ExternalEventID, ErrDuplicateEvent)
			}
			return fmt.Errorf("failed to record webhook event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) IncrementUsage(ctx context.Context, licenseID, counter string, amount, limit int64, now time.Time) (int64, bool, error) {
	var column string
	switch counter {
	case models.CounterCompilations:
		column = "usage_compilations"
	case models.CounterAPICalls:
		column = "usage_api_calls"
	default:
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownCounter, counter)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The guarded UPDATE is the atomic unit: the limit comparison and the
	// write happen in one statement, so concurrent callers can never both
	// pass the check and jointly overshoot.
	res, err := tx.ExecContext(ctx,
		`UPDATE licenses SET `+column+` = `+column+` + ?, last_used = ?, updated_at = ?
		WHERE id = ? AND (? = ? OR `+column+` + ? <= ?)`,
		amount, now, now, licenseID, limit, models.Unlimited, amount, limit,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read increment result: %w", err)
	}

	var value int64
	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM licenses WHERE id = ?`, licenseID).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("license %s not found", licenseID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit usage increment: %w", err)
	}
	return value, affected > 0, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertLicense(ctx context.Context, db execer, license *models.License) error {
	_, err := db.ExecContext(ctx, `INSERT INTO licenses
			(`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		license.ID,
		license.UserID,
		license.Key,
		string(license.Plan),
		string(license.Status),
		license.IssuedAt,
		license.ExpiresAt,
		nullableTime(license.LastAppliedEventTime),
		license.Usage.Compilations,
		license.Usage.APICalls,
		nullableTime(license.Usage.LastUsed),
		marshalStrings(license.Features),
		license.Restrictions.MaxCompilations,
		license.Restrictions.MaxAPICalls,
		license.Restrictions.MaxUsers,
		license.Restrictions.AllowCommercial,
		string(license.Metadata.PaymentMethod),
		license.Metadata.CorrelationID,
		license.Metadata.CustomerEmail,
		license.Metadata.CompanyName,
		marshalStrings(license.Metadata.HardwarePrints),
		license.Revision,
		license.CreatedAt,
		license.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var (
		license        models.License
		lastEvent      sql.NullTime
		lastUsed       sql.NullTime
		features       string
		hardwarePrints string
	)

	err := row.Scan(
		&license.ID,
		&license.UserID,
		&license.Key,
		&license.Plan,
		&license.Status,
		&license.IssuedAt,
		&license.ExpiresAt,
		&lastEvent,
		&license.Usage.Compilations,
		&license.Usage.APICalls,
		&lastUsed,
		&features,
		&license.Restrictions.MaxCompilations,
		&license.Restrictions.MaxAPICalls,
		&license.Restrictions.MaxUsers,
		&license.Restrictions.AllowCommercial,
		&license.Metadata.PaymentMethod,
		&license.Metadata.CorrelationID,
		&license.Metadata.CustomerEmail,
		&license.Metadata.CompanyName,
		&hardwarePrints,
		&license.Revision,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lastEvent.Valid {
		license.LastAppliedEventTime = lastEvent.Time
	}
	if lastUsed.Valid {
		license.Usage.LastUsed = lastUsed.Time
	}
	if err := json.Unmarshal([]byte(features), &license.Features); err != nil {
		return nil, fmt.Errorf("failed to parse features column: %w", err)
	}
	if err := json.Unmarshal([]byte(hardwarePrints), &license.Metadata.HardwarePrints); err != nil {
		return nil, fmt.Errorf("failed to parse hardware_prints column: %w", err)
	}
	return &license, nil
}

func marshalStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	out, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(out)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
