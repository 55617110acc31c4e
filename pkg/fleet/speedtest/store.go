// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package speedtest is the secondary store specialized for periodic speed
// tests: per-result rows in SQLite with fleet-wide rollups, per-machine
// statistics, comparison, and anomaly detection.
package speedtest

import (
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/types"
	"github.com/sraths91/atlas/pkg/util/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS speedtest_results (
	machine_id    TEXT NOT NULL,
	ts            TIMESTAMP NOT NULL,
	download_mbps REAL NOT NULL,
	upload_mbps   REAL NOT NULL,
	ping_ms       REAL NOT NULL,
	jitter_ms     REAL NOT NULL DEFAULT 0,
	server_name   TEXT NOT NULL DEFAULT '',
	isp           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (machine_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_speedtest_machine_ts
	ON speedtest_results (machine_id, ts);
`

// Store wraps the SQLite database holding speed-test rows.
type Store struct {
	db *sqlx.DB
}

// resultRow is the scan target for result queries.
type resultRow struct {
	MachineID    string    `db:"machine_id"`
	TS           time.Time `db:"ts"`
	DownloadMbps float64   `db:"download_mbps"`
	UploadMbps   float64   `db:"upload_mbps"`
	PingMS       float64   `db:"ping_ms"`
	JitterMS     float64   `db:"jitter_ms"`
	ServerName   string    `db:"server_name"`
	ISP          string    `db:"isp"`
}

// Result is one stored measurement with its machine.
type Result struct {
	MachineID string `json:"machine_id"`
	types.SpeedtestResult
}

// Open opens (or creates) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "opening speedtest db")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying speedtest schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertResult stores one result. Idempotent on (machine_id, ts): replaying
// the same measurement is a no-op.
func (s *Store) InsertResult(machineID string, r types.SpeedtestResult) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO speedtest_results
			(machine_id, ts, download_mbps, upload_mbps, ping_ms, jitter_ms, server_name, isp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		machineID, r.TS.UTC(), r.DownloadMbps, r.UploadMbps, r.PingMS, r.JitterMS, r.ServerName, r.ISP)
	return errors.Wrap(err, "inserting speedtest result")
}

// MetricStats is avg/median/min/max/stdev for one metric over a window.
type MetricStats struct {
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Stdev  float64 `json:"stdev"`
}

// MachineSummary is the per-machine slice of the fleet summary.
type MachineSummary struct {
	Count  int       `json:"count"`
	Avg    float64   `json:"avg_download_mbps"`
	LastTS time.Time `json:"last_ts"`
}

// FleetSummary is the fleet-wide rollup over a window.
type FleetSummary struct {
	Count        int                       `json:"count"`
	MachineCount int                       `json:"machine_count"`
	Download     MetricStats               `json:"download_mbps"`
	Upload       MetricStats               `json:"upload_mbps"`
	Ping         MetricStats               `json:"ping_ms"`
	PerMachine   map[string]MachineSummary `json:"per_machine"`
}

// Summary computes the fleet-wide rollup for the last windowHours.
func (s *Store) Summary(windowHours int) (*FleetSummary, error) {
	rows, err := s.fetch(`WHERE ts >= ?`, windowStart(windowHours))
	if err != nil {
		return nil, err
	}

	summary := &FleetSummary{
		Count:      len(rows),
		PerMachine: map[string]MachineSummary{},
	}
	var download, upload, ping []float64
	perMachine := map[string][]resultRow{}
	for _, r := range rows {
		download = append(download, r.DownloadMbps)
		upload = append(upload, r.UploadMbps)
		ping = append(ping, r.PingMS)
		perMachine[r.MachineID] = append(perMachine[r.MachineID], r)
	}
	summary.MachineCount = len(perMachine)
	summary.Download = computeStats(download)
	summary.Upload = computeStats(upload)
	summary.Ping = computeStats(ping)

	for id, mrows := range perMachine {
		var sum float64
		last := time.Time{}
		for _, r := range mrows {
			sum += r.DownloadMbps
			if r.TS.After(last) {
				last = r.TS
			}
		}
		summary.PerMachine[id] = MachineSummary{
			Count:  len(mrows),
			Avg:    sum / float64(len(mrows)),
			LastTS: last,
		}
	}
	return summary, nil
}

// MachineStats describes one machine's results over a window.
type MachineStats struct {
	MachineID string      `json:"machine_id"`
	Count     int         `json:"count"`
	Download  MetricStats `json:"download_mbps"`
	Upload    MetricStats `json:"upload_mbps"`
	Ping      MetricStats `json:"ping_ms"`
	Series    []Result    `json:"time_series"`
}

// Stats computes per-machine statistics and the raw time series for the
// last windowHours.
func (s *Store) Stats(machineID string, windowHours int) (*MachineStats, error) {
	rows, err := s.fetch(`WHERE machine_id = ? AND ts >= ?`, machineID, windowStart(windowHours))
	if err != nil {
		return nil, err
	}

	stats := &MachineStats{MachineID: machineID, Count: len(rows)}
	var download, upload, ping []float64
	for _, r := range rows {
		download = append(download, r.DownloadMbps)
		upload = append(upload, r.UploadMbps)
		ping = append(ping, r.PingMS)
		stats.Series = append(stats.Series, r.toResult())
	}
	stats.Download = computeStats(download)
	stats.Upload = computeStats(upload)
	stats.Ping = computeStats(ping)
	return stats, nil
}

// ComparisonEntry relates one machine's averages to the fleet.
type ComparisonEntry struct {
	MachineID   string  `json:"machine_id"`
	Count       int     `json:"count"`
	AvgDownload float64 `json:"avg_download_mbps"`
	AvgUpload   float64 `json:"avg_upload_mbps"`
	AvgPing     float64 `json:"avg_ping_ms"`
	Variability float64 `json:"variability"`
	VsFleetPct  float64 `json:"vs_fleet_pct"`
}

// Comparison ranks machines against the fleet download average over a
// window. Variability is the download stdev; VsFleetPct is the machine's
// average download relative to the fleet average.
func (s *Store) Comparison(windowHours int) ([]ComparisonEntry, error) {
	rows, err := s.fetch(`WHERE ts >= ?`, windowStart(windowHours))
	if err != nil {
		return nil, err
	}

	perMachine := map[string][]resultRow{}
	var fleetDownloadSum float64
	for _, r := range rows {
		perMachine[r.MachineID] = append(perMachine[r.MachineID], r)
		fleetDownloadSum += r.DownloadMbps
	}
	if len(rows) == 0 {
		return nil, nil
	}
	fleetAvg := fleetDownloadSum / float64(len(rows))

	out := make([]ComparisonEntry, 0, len(perMachine))
	for id, mrows := range perMachine {
		var download, upload, ping []float64
		for _, r := range mrows {
			download = append(download, r.DownloadMbps)
			upload = append(upload, r.UploadMbps)
			ping = append(ping, r.PingMS)
		}
		dl := computeStats(download)
		entry := ComparisonEntry{
			MachineID:   id,
			Count:       len(mrows),
			AvgDownload: dl.Avg,
			AvgUpload:   computeStats(upload).Avg,
			AvgPing:     computeStats(ping).Avg,
			Variability: dl.Stdev,
		}
		if fleetAvg > 0 {
			entry.VsFleetPct = (dl.Avg - fleetAvg) / fleetAvg * 100
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

// Anomalies returns the machine's results where any of download, upload, or
// ping sits more than thresholdStd standard deviations from the rest of that
// machine's window. Each candidate is excluded from its own baseline so a
// single extreme outlier cannot inflate the stdev and hide itself.
// Deterministic for a given result set and threshold.
func (s *Store) Anomalies(machineID string, thresholdStd float64, windowHours int) ([]Result, error) {
	rows, err := s.fetch(`WHERE machine_id = ? AND ts >= ?`, machineID, windowStart(windowHours))
	if err != nil {
		return nil, err
	}
	if len(rows) < 3 {
		return nil, nil
	}

	var download, upload, ping []float64
	for _, r := range rows {
		download = append(download, r.DownloadMbps)
		upload = append(upload, r.UploadMbps)
		ping = append(ping, r.PingMS)
	}

	outside := func(values []float64, i int) bool {
		rest := make([]float64, 0, len(values)-1)
		rest = append(rest, values[:i]...)
		rest = append(rest, values[i+1:]...)
		st := computeStats(rest)
		if st.Stdev == 0 {
			return false
		}
		return math.Abs(values[i]-st.Avg) > thresholdStd*st.Stdev
	}

	var out []Result
	for i, r := range rows {
		if outside(download, i) || outside(upload, i) || outside(ping, i) {
			out = append(out, r.toResult())
		}
	}
	return out, nil
}

// Recent returns raw results, newest first, optionally filtered by machine.
func (s *Store) Recent(machineID string, windowHours, limit int) ([]Result, error) {
	query := `SELECT * FROM speedtest_results WHERE ts >= ?`
	args := []interface{}{windowStart(windowHours)}
	if machineID != "" {
		query += ` AND machine_id = ?`
		args = append(args, machineID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	var rows []resultRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying recent results")
	}
	out := make([]Result, len(rows))
	for i, r := range rows {
		out[i] = r.toResult()
	}
	return out, nil
}

// Cleanup removes rows older than retentionDays and reports how many went.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(`DELETE FROM speedtest_results WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "pruning speedtest results")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting pruned rows")
	}
	if n > 0 {
		log.Debugf("speedtest store: pruned %d rows", n)
	}
	return n, nil
}

func (s *Store) fetch(where string, args ...interface{}) ([]resultRow, error) {
	var rows []resultRow
	query := `SELECT * FROM speedtest_results ` + where + ` ORDER BY ts ASC`
	if err := s.db.Select(&rows, query, args...); err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "querying speedtest results")
	}
	return rows, nil
}

func (r resultRow) toResult() Result {
	return Result{
		MachineID: r.MachineID,
		SpeedtestResult: types.SpeedtestResult{
			TS:           r.TS,
			DownloadMbps: r.DownloadMbps,
			UploadMbps:   r.UploadMbps,
			PingMS:       r.PingMS,
			JitterMS:     r.JitterMS,
			ServerName:   r.ServerName,
			ISP:          r.ISP,
		},
	}
}

func windowStart(windowHours int) time.Time {
	if windowHours <= 0 {
		windowHours = 24
	}
	return time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
}

func computeStats(values []float64) MetricStats {
	if len(values) == 0 {
		return MetricStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(len(sorted))

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return MetricStats{
		Avg:    avg,
		Median: median,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Stdev:  math.Sqrt(variance),
	}
}
