package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/telemetry"
)

// MySQLStorage mirrors scored batches into MySQL
type MySQLStorage struct {
	db       *sql.DB
	database string
}

// NewMySQLStorage connects to MySQL, creating the database and table if needed
func NewMySQLStorage(ctx context.Context, dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %w", err)
	}

	// connect without a database first so it can be created
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL server failed: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("create database failed: %w", err)
	}
	logger.Info("ensured MySQL database %s exists", database)

	db, err := openPool(ctx, "mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL database %s failed: %w", database, err)
	}

	s := &MySQLStorage{db: db, database: database}
	if err := s.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("MySQL mirror initialized")
	return s, nil
}

// parseMySQLDSN extracts the database name and a DSN without it
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, cannot extract database name")
	}

	// the last part may carry parameters
	dbParts := strings.SplitN(parts[len(parts)-1], "?", 2)
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, database name is empty")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

// InitDatabase creates the mirror table
func (ms *MySQLStorage) InitDatabase(ctx context.Context) error {
	tableSQL := `
	CREATE TABLE IF NOT EXISTS scored_records (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_type VARCHAR(255) NOT NULL,
		device_name VARCHAR(255) NOT NULL,
		runtime_hours DOUBLE NOT NULL,
		temperature_c DOUBLE NOT NULL,
		pressure_kpa DOUBLE NOT NULL,
		vibration_mm_s DOUBLE NOT NULL,
		current_draw_a DOUBLE NOT NULL,
		signal_noise_level DOUBLE NOT NULL,
		climate_control VARCHAR(3) NOT NULL,
		humidity_percent DOUBLE NOT NULL,
		location VARCHAR(255) NOT NULL,
		operational_cycles BIGINT NOT NULL,
		user_interactions_per_day DOUBLE NOT NULL,
		last_service_date VARCHAR(10) NOT NULL,
		approx_device_age_years DOUBLE NOT NULL,
		num_repairs BIGINT NOT NULL,
		error_logs_count BIGINT NOT NULL,
		predicted_failure_risk VARCHAR(64) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_device_type (device_type),
		INDEX idx_risk (predicted_failure_risk),
		INDEX idx_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.ExecContext(ctx, tableSQL); err != nil {
		return fmt.Errorf("create scored_records table failed: %w", err)
	}

	logger.Info("MySQL table scored_records ready")
	return nil
}

// Name implements Backend
func (ms *MySQLStorage) Name() string { return "mysql" }

// Store inserts the batch in one transaction
func (ms *MySQLStorage) Store(ctx context.Context, batch []telemetry.ScoredRecord) error {
	if err := insertBatch(ctx, ms.db, batch, func(int) string { return "?" }); err != nil {
		return err
	}
	logger.Debug("mirrored %d records to MySQL", len(batch))
	return nil
}

// Close closes the database connection
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("close MySQL connection failed: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
