package db

import (
	"encoding/hex"
	"time"

	"github.com/rallie-app/rallie/internal/protocol"
)

// RecordResponse implements serialmux.ResponseRecorder.
func (db *DB) RecordResponse(resp protocol.Response, raw []byte, at time.Time) error {
	_, err := db.Exec(
		"INSERT INTO responses (at_unix_nanos, code, kind, raw_hex) VALUES (?, ?, ?, ?)",
		at.UnixNano(), int(resp.Code), resp.Kind.String(), hex.EncodeToString(raw),
	)
	return err
}

// ResponseCounts returns the number of recorded responses per kind.
func (db *DB) ResponseCounts() (map[string]int, error) {
	rows, err := db.Query("SELECT kind, COUNT(*) FROM responses GROUP BY kind")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
