package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/risk-stream/telemetry"
)

// DatabaseType
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// scoredTable is the mirror table name
const scoredTable = "scored_records"

// insertChunk caps the rows of one multi-row INSERT
const insertChunk = 500

// scoredColumns are the SQL columns matching telemetry.Schema order plus the label
var scoredColumns = []string{
	"device_type",
	"device_name",
	"runtime_hours",
	"temperature_c",
	"pressure_kpa",
	"vibration_mm_s",
	"current_draw_a",
	"signal_noise_level",
	"climate_control",
	"humidity_percent",
	"location",
	"operational_cycles",
	"user_interactions_per_day",
	"last_service_date",
	"approx_device_age_years",
	"num_repairs",
	"error_logs_count",
	"predicted_failure_risk",
}

// DatabaseStorage is a SQL mirror backend
type DatabaseStorage interface {
	Backend
	// InitDatabase creates the mirror table if missing
	InitDatabase(ctx context.Context) error
}

// NewDatabaseStorage opens the backend matching dbType
func NewDatabaseStorage(ctx context.Context, dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(ctx, dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// openPool opens and pings a connection pool sized for one writer that
// flushes a batch at a time.
func openPool(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// insertStatement builds a multi-row INSERT for n rows; placeholder maps a
// 1-based argument index to the driver's bind syntax.
func insertStatement(n int, placeholder func(i int) string) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(scoredTable)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(scoredColumns, ", "))
	sb.WriteString(") VALUES ")

	arg := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range scoredColumns {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(placeholder(arg))
			arg++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func rowArgs(rec telemetry.ScoredRecord) []interface{} {
	args := rec.Values()
	return append(args, rec.PredictedFailureRisk)
}

// insertBatch writes batch in one transaction, chunked by insertChunk rows
func insertBatch(ctx context.Context, db *sql.DB, batch []telemetry.ScoredRecord, placeholder func(i int) string) (err error) {
	if len(batch) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for start := 0; start < len(batch); start += insertChunk {
		end := min(start+insertChunk, len(batch))
		chunk := batch[start:end]

		args := make([]interface{}, 0, len(chunk)*len(scoredColumns))
		for _, rec := range chunk {
			args = append(args, rowArgs(rec)...)
		}

		if _, err = tx.ExecContext(ctx, insertStatement(len(chunk), placeholder), args...); err != nil {
			return fmt.Errorf("insert scored records: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
