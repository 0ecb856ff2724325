package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rallie-app/rallie/internal/homography"
)

// RecordCalibration stores an installed calibration. Recording the same ID
// twice replaces the earlier row.
func (db *DB) RecordCalibration(c *homography.Calibration) error {
	if c == nil {
		return errors.New("nil calibration")
	}
	matrixJSON, err := json.Marshal(c.Matrix)
	if err != nil {
		return fmt.Errorf("failed to encode matrix: %w", err)
	}
	imageJSON, err := json.Marshal(c.ImagePoints)
	if err != nil {
		return fmt.Errorf("failed to encode image points: %w", err)
	}
	courtJSON, err := json.Marshal(c.CourtPoints)
	if err != nil {
		return fmt.Errorf("failed to encode court points: %w", err)
	}
	var boundsJSON sql.NullString
	if c.Bounds != nil {
		b, err := json.Marshal(c.Bounds)
		if err != nil {
			return fmt.Errorf("failed to encode bounds: %w", err)
		}
		boundsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = db.Exec(`INSERT OR REPLACE INTO calibrations (
			calibration_id, version, matrix_json, image_points_json,
			court_points_json, bounds_json, rms_error_m, created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Version, string(matrixJSON), string(imageJSON),
		string(courtJSON), boundsJSON, c.RMSError, c.CreatedAt.UnixNano(),
	)
	return err
}

// LatestCalibration returns the most recently created calibration, or
// homography.ErrNoCalibration when none has been recorded.
func (db *DB) LatestCalibration() (*homography.Calibration, error) {
	var (
		c                                homography.Calibration
		id                               string
		matrixJSON, imageJSON, courtJSON string
		boundsJSON                       sql.NullString
		createdNanos                     int64
	)
	err := db.QueryRow(`SELECT calibration_id, version, matrix_json, image_points_json,
			court_points_json, bounds_json, rms_error_m, created_unix_nanos
		FROM calibrations ORDER BY created_unix_nanos DESC, version DESC LIMIT 1`).Scan(
		&id, &c.Version, &matrixJSON, &imageJSON,
		&courtJSON, &boundsJSON, &c.RMSError, &createdNanos,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, homography.ErrNoCalibration
	}
	if err != nil {
		return nil, err
	}

	if err := c.ID.UnmarshalText([]byte(id)); err != nil {
		return nil, fmt.Errorf("calibration id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(matrixJSON), &c.Matrix); err != nil {
		return nil, fmt.Errorf("calibration %s matrix: %w", id, err)
	}
	if err := json.Unmarshal([]byte(imageJSON), &c.ImagePoints); err != nil {
		return nil, fmt.Errorf("calibration %s image points: %w", id, err)
	}
	if err := json.Unmarshal([]byte(courtJSON), &c.CourtPoints); err != nil {
		return nil, fmt.Errorf("calibration %s court points: %w", id, err)
	}
	if boundsJSON.Valid {
		c.Bounds = &homography.Bounds{}
		if err := json.Unmarshal([]byte(boundsJSON.String), c.Bounds); err != nil {
			return nil, fmt.Errorf("calibration %s bounds: %w", id, err)
		}
	}
	c.CreatedAt = time.Unix(0, createdNanos).UTC()
	return &c, nil
}

// CalibrationCount returns the number of stored calibrations.
func (db *DB) CalibrationCount() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM calibrations").Scan(&n)
	return n, err
}
