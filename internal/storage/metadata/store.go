// Package metadata indexes stored frames and their detections in a SQL
// database and serves the query API behind the playback endpoints.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/monitoring"
	"github.com/quantbagel/nier/internal/storage/event"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is the canonical timestamp encoding in the database: RFC 3339
// in UTC with a fixed nine-digit fraction, so that text comparison and
// ORDER BY on the column follow time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FrameRecord is one persisted frame.
type FrameRecord struct {
	ID             uuid.UUID       `json:"id"`
	EventID        uuid.UUID       `json:"event_id"`
	DeviceID       string          `json:"device_id"`
	Timestamp      time.Time       `json:"timestamp"`
	FrameNumber    int64           `json:"frame_number"`
	S3Key          string          `json:"s3_key"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	Format         string          `json:"format"`
	TriggerType    string          `json:"trigger_type"`
	StorageReason  string          `json:"storage_reason"`
	DetectionCount int             `json:"detection_count"`
	DetectionTypes *string         `json:"detection_types"`
	MaxConfidence  *float64        `json:"max_confidence"`
	SizeBytes      int64           `json:"size_bytes"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DetectionRecord is one persisted detection.
type DetectionRecord struct {
	ID         uuid.UUID       `json:"id"`
	FrameID    uuid.UUID       `json:"frame_id"`
	Type       string          `json:"detection_type"`
	Confidence float64         `json:"confidence"`
	BBox       json.RawMessage `json:"bbox"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// FrameQuery filters frame queries.
type FrameQuery struct {
	DeviceID      string
	StartTime     *time.Time
	EndTime       *time.Time
	TriggerType   string
	DetectionType string
	MinConfidence *float64
	Limit         int
	Offset        int
	Ascending     bool
}

// StorageStats summarizes the index.
type StorageStats struct {
	TotalFrames     int64 `json:"total_frames"`
	TotalBytes      int64 `json:"total_bytes"`
	TotalDetections int64 `json:"total_detections"`
	DeviceCount     int64 `json:"device_count"`
}

// Store is the frame metadata index.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// New opens the database and configures the connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)
	db.SetConnMaxIdleTime(cfg.IdleTimeout())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log := logrus.WithField("component", "metadata")
	log.Info("connected to metadata database")

	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, log: logrus.WithField("component", "metadata")}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies database connectivity, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs all pending migrations.
func (s *Store) Migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: the migrate instance is not closed because the sqlite driver's
	// Close() would close the underlying sql.DB, which the Store manages.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	s.log.Info("database migrations completed")
	return nil
}

// IndexFrame records a stored frame and its detections in a single
// transaction and returns the new frame id. A failure anywhere rolls the
// whole transaction back.
func (s *Store) IndexFrame(ctx context.Context, e *event.StorageTriggerEvent, s3Key, storageReason string) (uuid.UUID, error) {
	frameID := uuid.New()

	detectionCount := len(e.Detections)
	var detectionTypes *string
	var maxConfidence *float64
	if detectionCount > 0 {
		names := make([]string, 0, detectionCount)
		maxConf := e.Detections[0].Confidence
		for _, d := range e.Detections {
			names = append(names, d.Type)
			if d.Confidence > maxConf {
				maxConf = d.Confidence
			}
		}
		joined := strings.Join(names, ",")
		detectionTypes = &joined
		maxConfidence = &maxConf
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO frames (
			id, event_id, device_id, timestamp, frame_number,
			s3_key, width, height, format, trigger_type,
			storage_reason, detection_count, detection_types,
			max_confidence, size_bytes, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		frameID.String(), e.EventID.String(), e.DeviceID,
		e.Timestamp.UTC().Format(timeLayout), int64(e.FrameNumber),
		s3Key, e.Width, e.Height, e.Format, e.TriggerType,
		storageReason, detectionCount, detectionTypes,
		maxConfidence, int64(len(e.FrameData)), rawMessageOrNull(e.Metadata), now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert frame record: %w", err)
	}

	for _, d := range e.Detections {
		bbox, err := json.Marshal(d.BBox)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to serialize bbox: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO detections (
				id, frame_id, detection_type, confidence, bbox, attributes, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), frameID.String(), d.Type, d.Confidence,
			string(bbox), rawMessageOrNull(d.Attributes), now,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert detection record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	monitoring.FramesIndexed.Inc()
	s.log.WithFields(logrus.Fields{
		"frame_id":        frameID,
		"s3_key":          s3Key,
		"detection_count": detectionCount,
	}).Debug("frame indexed")

	return frameID, nil
}

func rawMessageOrNull(m json.RawMessage) interface{} {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

const frameColumns = `id, event_id, device_id, timestamp, frame_number,
	s3_key, width, height, format, trigger_type,
	storage_reason, detection_count, detection_types,
	max_confidence, size_bytes, metadata, created_at`

// scanFrame reads one frame row.
func scanFrame(row interface{ Scan(...interface{}) error }) (*FrameRecord, error) {
	var f FrameRecord
	var id, eventID, timestamp, createdAt string
	var detectionTypes sql.NullString
	var maxConfidence sql.NullFloat64
	var metadata sql.NullString

	err := row.Scan(
		&id, &eventID, &f.DeviceID, &timestamp, &f.FrameNumber,
		&f.S3Key, &f.Width, &f.Height, &f.Format, &f.TriggerType,
		&f.StorageReason, &f.DetectionCount, &detectionTypes,
		&maxConfidence, &f.SizeBytes, &metadata, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if f.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid frame id %q: %w", id, err)
	}
	if f.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", eventID, err)
	}
	if f.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
	}
	if f.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if detectionTypes.Valid {
		f.DetectionTypes = &detectionTypes.String
	}
	if maxConfidence.Valid {
		f.MaxConfidence = &maxConfidence.Float64
	}
	if metadata.Valid {
		f.Metadata = json.RawMessage(metadata.String)
	}
	return &f, nil
}

// GetFrame returns a frame by id, or nil when absent.
func (s *Store) GetFrame(ctx context.Context, frameID uuid.UUID) (*FrameRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE id = ?`, frameID.String())
	f, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query frame: %w", err)
	}
	return f, nil
}

// GetFrameByS3Key returns a frame by its object key, or nil when absent.
func (s *Store) GetFrameByS3Key(ctx context.Context, s3Key string) (*FrameRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE s3_key = ?`, s3Key)
	f, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query frame by S3 key: %w", err)
	}
	return f, nil
}

// QueryFrames returns frames matching the filter, ordered by timestamp.
func (s *Store) QueryFrames(ctx context.Context, q *FrameQuery) ([]*FrameRecord, error) {
	sqlStr := `SELECT ` + frameColumns + ` FROM frames WHERE 1=1`
	var args []interface{}

	if q.DeviceID != "" {
		sqlStr += ` AND device_id = ?`
		args = append(args, q.DeviceID)
	}
	if q.StartTime != nil {
		sqlStr += ` AND timestamp >= ?`
		args = append(args, q.StartTime.UTC().Format(timeLayout))
	}
	if q.EndTime != nil {
		sqlStr += ` AND timestamp < ?`
		args = append(args, q.EndTime.UTC().Format(timeLayout))
	}
	if q.TriggerType != "" {
		sqlStr += ` AND trigger_type = ?`
		args = append(args, q.TriggerType)
	}
	if q.DetectionType != "" {
		sqlStr += ` AND detection_types LIKE ?`
		args = append(args, "%"+q.DetectionType+"%")
	}
	if q.MinConfidence != nil {
		sqlStr += ` AND max_confidence >= ?`
		args = append(args, *q.MinConfidence)
	}

	if q.Ascending {
		sqlStr += ` ORDER BY timestamp ASC`
	} else {
		sqlStr += ` ORDER BY timestamp DESC`
	}

	if q.Limit > 0 {
		sqlStr += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		sqlStr += ` OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []*FrameRecord
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate frames: %w", err)
	}
	return frames, nil
}

// GetFrameDetections returns the detections of a frame ordered by
// descending confidence.
func (s *Store) GetFrameDetections(ctx context.Context, frameID uuid.UUID) ([]*DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, frame_id, detection_type, confidence, bbox, attributes, created_at
		FROM detections
		WHERE frame_id = ?
		ORDER BY confidence DESC`, frameID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var detections []*DetectionRecord
	for rows.Next() {
		var d DetectionRecord
		var id, fid, bbox, createdAt string
		var attributes sql.NullString
		if err := rows.Scan(&id, &fid, &d.Type, &d.Confidence, &bbox, &attributes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid detection id %q: %w", id, err)
		}
		if d.FrameID, err = uuid.Parse(fid); err != nil {
			return nil, fmt.Errorf("invalid frame id %q: %w", fid, err)
		}
		if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
		}
		d.BBox = json.RawMessage(bbox)
		if attributes.Valid {
			d.Attributes = json.RawMessage(attributes.String)
		}
		detections = append(detections, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate detections: %w", err)
	}
	return detections, nil
}

// GetFrameCount counts frames filtered by optional device and time range.
func (s *Store) GetFrameCount(ctx context.Context, deviceID string, startTime, endTime *time.Time) (int64, error) {
	sqlStr := `SELECT COUNT(*) FROM frames WHERE 1=1`
	var args []interface{}
	if deviceID != "" {
		sqlStr += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	if startTime != nil {
		sqlStr += ` AND timestamp >= ?`
		args = append(args, startTime.UTC().Format(timeLayout))
	}
	if endTime != nil {
		sqlStr += ` AND timestamp < ?`
		args = append(args, endTime.UTC().Format(timeLayout))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return count, nil
}

// GetStorageStats returns aggregate statistics over the index.
func (s *Store) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	var stats StorageStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(SUM(detection_count), 0),
			COUNT(DISTINCT device_id)
		FROM frames`).Scan(&stats.TotalFrames, &stats.TotalBytes, &stats.TotalDetections, &stats.DeviceCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}
	return &stats, nil
}

// DeleteFramesBefore removes frames older than the given instant for
// retention and returns the number deleted. Detections cascade.
func (s *Store) DeleteFramesBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM detections WHERE frame_id IN (SELECT id FROM frames WHERE timestamp < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old frames: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted frames: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"deleted_count": count,
		"before":        before,
	}).Info("deleted old frames")
	return count, nil
}
