// Package db persists received pose samples to SQLite for later analysis and
// export. One row is recorded per subject segment per frame.
package db

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/monitoring"
)

// DB wraps the SQLite connection to the pose sample store.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the sample database at path. Run MigrateUp to
// bring the schema to the latest version before recording.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps the recorder from stalling reads issued by the debug surfaces.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// RecordMessage inserts one row per segment of every subject in the message.
// All rows for a message are written in one transaction so a partially
// recorded frame never becomes visible.
func (db *DB) RecordMessage(msg *mocap.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pose_samples (
			frame_number, frame_timestamp, latency_ms, subject, segment,
			pos_x, pos_y, pos_z, pos_occluded,
			quat_x, quat_y, quat_z, quat_w, rot_occluded,
			euler_x, euler_y, euler_z, quality
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, subj := range msg.Subjects {
		for _, seg := range subj.Segments {
			var quality sql.NullFloat64
			if subj.Quality != nil {
				quality = sql.NullFloat64{Float64: *subj.Quality, Valid: true}
			}
			if _, err := stmt.Exec(
				msg.FrameNumber, msg.Timestamp, msg.LatencyMS, subj.Name, seg.Name,
				seg.Position.X, seg.Position.Y, seg.Position.Z, seg.Position.Occluded,
				seg.Orientation.X, seg.Orientation.Y, seg.Orientation.Z, seg.Orientation.W, seg.Orientation.Occluded,
				seg.EulerXYZ.X, seg.EulerXYZ.Y, seg.EulerXYZ.Z, quality,
			); err != nil {
				return fmt.Errorf("failed to record sample for %s/%s: %w", subj.Name, seg.Name, err)
			}
		}
	}

	return tx.Commit()
}

// PoseSample is one recorded segment observation.
type PoseSample struct {
	ID             int64    `json:"id"`
	ReceivedAt     string   `json:"received_at"`
	FrameNumber    int64    `json:"frame_number"`
	FrameTimestamp float64  `json:"frame_timestamp"`
	LatencyMS      float64  `json:"latency_ms"`
	Subject        string   `json:"subject"`
	Segment        string   `json:"segment"`
	PosX           float64  `json:"pos_x"`
	PosY           float64  `json:"pos_y"`
	PosZ           float64  `json:"pos_z"`
	PosOccluded    bool     `json:"pos_occluded"`
	QuatX          float64  `json:"quat_x"`
	QuatY          float64  `json:"quat_y"`
	QuatZ          float64  `json:"quat_z"`
	QuatW          float64  `json:"quat_w"`
	RotOccluded    bool     `json:"rot_occluded"`
	EulerX         float64  `json:"euler_x"`
	EulerY         float64  `json:"euler_y"`
	EulerZ         float64  `json:"euler_z"`
	Quality        *float64 `json:"quality,omitempty"`
}

// RecentSamples returns up to limit samples recorded at or after since, in
// insertion order.
func (db *DB) RecentSamples(since time.Time, limit int) ([]PoseSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(`
		SELECT id, received_at, frame_number, frame_timestamp, latency_ms,
		       subject, segment,
		       pos_x, pos_y, pos_z, pos_occluded,
		       quat_x, quat_y, quat_z, quat_w, rot_occluded,
		       euler_x, euler_y, euler_z, quality
		FROM pose_samples
		WHERE received_at >= ?
		ORDER BY id
		LIMIT ?
	`, since.UTC().Format("2006-01-02 15:04:05"), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []PoseSample
	for rows.Next() {
		var s PoseSample
		var quality sql.NullFloat64
		if err := rows.Scan(
			&s.ID, &s.ReceivedAt, &s.FrameNumber, &s.FrameTimestamp, &s.LatencyMS,
			&s.Subject, &s.Segment,
			&s.PosX, &s.PosY, &s.PosZ, &s.PosOccluded,
			&s.QuatX, &s.QuatY, &s.QuatZ, &s.QuatW, &s.RotOccluded,
			&s.EulerX, &s.EulerY, &s.EulerZ, &quality,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		if quality.Valid {
			q := quality.Float64
			s.Quality = &q
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// SampleCount returns the total number of recorded samples.
func (db *DB) SampleCount() (int64, error) {
	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM pose_samples").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}

// AttachAdminRoutes attaches debugging endpoints under /debug/: a tailSQL
// console over the sample store and a CSV export of recent samples. These are
// reachable only over localhost or Tailscale via tsweb's access checks.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Pose samples",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("export-csv", "Download recent pose samples as CSV", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 10000
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		samples, err := db.RecentSamples(time.Time{}, limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to query samples: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=pose_samples_%d.csv", time.Now().Unix()))

		cw := csv.NewWriter(w)
		defer cw.Flush()
		cw.Write([]string{
			"received_at", "frame_number", "frame_timestamp", "subject", "segment",
			"pos_x", "pos_y", "pos_z", "quat_x", "quat_y", "quat_z", "quat_w",
			"euler_x", "euler_y", "euler_z", "quality", "pos_occluded", "rot_occluded",
		})
		for _, s := range samples {
			quality := ""
			if s.Quality != nil {
				quality = strconv.FormatFloat(*s.Quality, 'f', -1, 64)
			}
			cw.Write([]string{
				s.ReceivedAt,
				strconv.FormatInt(s.FrameNumber, 10),
				strconv.FormatFloat(s.FrameTimestamp, 'f', -1, 64),
				s.Subject, s.Segment,
				strconv.FormatFloat(s.PosX, 'f', -1, 64),
				strconv.FormatFloat(s.PosY, 'f', -1, 64),
				strconv.FormatFloat(s.PosZ, 'f', -1, 64),
				strconv.FormatFloat(s.QuatX, 'f', -1, 64),
				strconv.FormatFloat(s.QuatY, 'f', -1, 64),
				strconv.FormatFloat(s.QuatZ, 'f', -1, 64),
				strconv.FormatFloat(s.QuatW, 'f', -1, 64),
				strconv.FormatFloat(s.EulerX, 'f', -1, 64),
				strconv.FormatFloat(s.EulerY, 'f', -1, 64),
				strconv.FormatFloat(s.EulerZ, 'f', -1, 64),
				quality,
				boolColumn(s.PosOccluded),
				boolColumn(s.RotOccluded),
			})
		}
	}))
}

func boolColumn(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
