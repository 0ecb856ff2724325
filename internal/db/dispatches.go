package db

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/dispatch"
	"github.com/rallie-app/rallie/internal/protocol"
	"github.com/rallie-app/rallie/internal/zone"
)

// DefaultDispatchLimit caps RecentDispatches when the caller passes a
// non-positive limit.
const DefaultDispatchLimit = 100

// RecordDispatch implements dispatch.Recorder.
func (db *DB) RecordDispatch(r dispatch.Record) error {
	var cmdJSON sql.NullString
	if r.Kind == dispatch.KindFrame {
		b, err := json.Marshal(r.Command)
		if err != nil {
			return fmt.Errorf("failed to encode command: %w", err)
		}
		cmdJSON = sql.NullString{String: string(b), Valid: true}
	}
	var imageX, imageY, courtX, courtY sql.NullFloat64
	if r.Image != nil {
		imageX = sql.NullFloat64{Float64: r.Image.X, Valid: true}
		imageY = sql.NullFloat64{Float64: r.Image.Y, Valid: true}
	}
	if r.Court != nil {
		courtX = sql.NullFloat64{Float64: r.Court.X, Valid: true}
		courtY = sql.NullFloat64{Float64: r.Court.Y, Valid: true}
	}

	_, err := db.Exec(`INSERT INTO dispatches (
			at_unix_nanos, strategy, kind, zone, fallback, command_json, frame_hex,
			text, image_x, image_y, court_x, court_y, calibration_version,
			reason, send_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.At.UnixNano(), r.Strategy, string(r.Kind), int(r.Zone), r.Fallback, cmdJSON,
		nullString(r.FrameHex()), nullString(r.Text), imageX, imageY, courtX, courtY,
		r.CalibrationVersion, nullString(r.Reason), nullString(r.SendError),
	)
	return err
}

// RecentDispatches returns up to limit records, newest first.
func (db *DB) RecentDispatches(limit int) ([]dispatch.Record, error) {
	if limit <= 0 {
		limit = DefaultDispatchLimit
	}
	rows, err := db.Query(`SELECT at_unix_nanos, strategy, kind, zone, fallback, command_json,
			frame_hex, text, image_x, image_y, court_x, court_y, calibration_version,
			reason, send_error
		FROM dispatches ORDER BY at_unix_nanos DESC, dispatch_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []dispatch.Record
	for rows.Next() {
		var (
			r                              dispatch.Record
			atNanos                        int64
			kind                           string
			zoneID                         int
			cmdJSON, frameHex, text        sql.NullString
			reason, sendErr                sql.NullString
			imageX, imageY, courtX, courtY sql.NullFloat64
		)
		if err := rows.Scan(
			&atNanos, &r.Strategy, &kind, &zoneID, &r.Fallback, &cmdJSON,
			&frameHex, &text, &imageX, &imageY, &courtX, &courtY, &r.CalibrationVersion,
			&reason, &sendErr,
		); err != nil {
			return nil, err
		}

		r.At = time.Unix(0, atNanos).UTC()
		r.Kind = dispatch.Kind(kind)
		r.Zone = zone.ID(zoneID)
		r.Text = text.String
		r.Reason = reason.String
		r.SendError = sendErr.String
		if cmdJSON.Valid {
			if err := json.Unmarshal([]byte(cmdJSON.String), &r.Command); err != nil {
				return nil, fmt.Errorf("dispatch at %v: command: %w", r.At, err)
			}
		}
		if frameHex.Valid {
			b, err := hex.DecodeString(frameHex.String)
			if err != nil || len(b) != protocol.CommandFrameLen {
				return nil, fmt.Errorf("dispatch at %v: bad frame %q", r.At, frameHex.String)
			}
			copy(r.Frame[:], b)
		}
		if imageX.Valid && imageY.Valid {
			r.Image = &court.ImagePoint{X: imageX.Float64, Y: imageY.Float64}
		}
		if courtX.Valid && courtY.Valid {
			r.Court = &court.Point{X: courtX.Float64, Y: courtY.Float64}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ZoneCount is the number of dispatches aimed at one zone.
type ZoneCount struct {
	Zone      zone.ID `json:"zone"`
	Count     int     `json:"count"`
	Fallbacks int     `json:"fallbacks"`
}

// ZoneCounts returns per-zone dispatch totals ordered by zone. Fallback and
// threshold decisions are reported under zone.None; Fallbacks counts only
// the decisions flagged as fallbacks.
func (db *DB) ZoneCounts() ([]ZoneCount, error) {
	rows, err := db.Query("SELECT zone, COUNT(*), SUM(fallback) FROM dispatches GROUP BY zone ORDER BY zone")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []ZoneCount
	for rows.Next() {
		var zc ZoneCount
		var id int
		if err := rows.Scan(&id, &zc.Count, &zc.Fallbacks); err != nil {
			return nil, err
		}
		zc.Zone = zone.ID(id)
		counts = append(counts, zc)
	}
	return counts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
