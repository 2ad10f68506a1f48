// Package store persists node configuration and the append-only archive of
// captured samples in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/joestump/sdrhub/internal/proto"
)

// Store wraps a sql.DB connection to the SQLite database.
type Store struct {
	conn *sql.DB
}

// ConfigRecord is one persisted node configuration row.
type ConfigRecord struct {
	NodeID   uuid.UUID
	LastSeen time.Time
	Config   proto.NodeConfig
}

// Sample is one archived payload together with the SDR parameters the node
// reported on its data connection. The payload bytes are opaque to the hub.
type Sample struct {
	NodeID     uuid.UUID
	Kind       proto.StreamKind
	Freq       uint64
	Amp        uint8
	Lna        uint8
	Vga        uint8
	SampleRate uint64
	Timestamp  time.Time
	Data       []byte
}

// Open creates a new Store and runs all pending migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// --- Config storage ---

// GetOrSeedConfig returns the persisted configuration for a node, writing and
// returning def when none exists yet. The insert ignores conflicts, so
// concurrent seeds for the same node both come back with a row that is
// actually present in the store.
func (s *Store) GetOrSeedConfig(nodeID uuid.UUID, def proto.NodeConfig) (proto.NodeConfig, error) {
	serialized, err := json.Marshal(def)
	if err != nil {
		return proto.NodeConfig{}, fmt.Errorf("serialize default config: %w", err)
	}

	_, err = s.conn.Exec(
		`INSERT INTO config_storage (node_id, last_seen, config_serialized) VALUES (?, ?, ?)
		 ON CONFLICT(node_id) DO NOTHING`,
		nodeID.String(), time.Now().UTC().Format(time.RFC3339Nano), string(serialized),
	)
	if err != nil {
		return proto.NodeConfig{}, fmt.Errorf("seed config for %s: %w", nodeID, err)
	}

	var stored string
	err = s.conn.QueryRow(
		`SELECT config_serialized FROM config_storage WHERE node_id = ?`, nodeID.String(),
	).Scan(&stored)
	if err != nil {
		return proto.NodeConfig{}, fmt.Errorf("get config for %s: %w", nodeID, err)
	}

	var cfg proto.NodeConfig
	if err := json.Unmarshal([]byte(stored), &cfg); err != nil {
		return proto.NodeConfig{}, fmt.Errorf("deserialize config for %s: %w", nodeID, err)
	}
	return cfg, nil
}

// PutConfig overwrites a node's configuration and stamps last_seen.
func (s *Store) PutConfig(nodeID uuid.UUID, cfg proto.NodeConfig) error {
	serialized, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.conn.Exec(
		`INSERT INTO config_storage (node_id, last_seen, config_serialized) VALUES (?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET last_seen = ?, config_serialized = ?`,
		nodeID.String(), now, string(serialized), now, string(serialized),
	)
	if err != nil {
		return fmt.Errorf("put config for %s: %w", nodeID, err)
	}
	return nil
}

// ListConfigs returns every persisted node configuration.
func (s *Store) ListConfigs() ([]ConfigRecord, error) {
	rows, err := s.conn.Query(
		`SELECT node_id, last_seen, config_serialized FROM config_storage ORDER BY node_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var records []ConfigRecord
	for rows.Next() {
		var idStr, seenStr, cfgStr string
		if err := rows.Scan(&idStr, &seenStr, &cfgStr); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", idStr, err)
		}
		seen, err := time.Parse(time.RFC3339Nano, seenStr)
		if err != nil {
			return nil, fmt.Errorf("parse last_seen %q: %w", seenStr, err)
		}
		var cfg proto.NodeConfig
		if err := json.Unmarshal([]byte(cfgStr), &cfg); err != nil {
			return nil, fmt.Errorf("deserialize config for %s: %w", idStr, err)
		}
		records = append(records, ConfigRecord{NodeID: id, LastSeen: seen, Config: cfg})
	}
	return records, rows.Err()
}

// --- Data archive ---

// AppendSample durably stores one payload. The archive is append-only.
func (s *Store) AppendSample(sample *Sample) error {
	_, err := s.conn.Exec(
		`INSERT INTO data_storage (node_id, stream_kind, freq, amp, lna, vga, sample_rate, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.NodeID.String(), string(sample.Kind),
		int64(sample.Freq), int64(sample.Amp), int64(sample.Lna), int64(sample.Vga),
		int64(sample.SampleRate), sample.Timestamp.UTC().UnixNano(), sample.Data,
	)
	if err != nil {
		return fmt.Errorf("append sample for %s/%s: %w", sample.NodeID, sample.Kind, err)
	}
	return nil
}

// QuerySamples returns the archived payloads for (node, kind) with
// from <= timestamp < to, in ascending timestamp order.
func (s *Store) QuerySamples(nodeID uuid.UUID, kind proto.StreamKind, from, to time.Time) ([]Sample, error) {
	rows, err := s.conn.Query(
		`SELECT freq, amp, lna, vga, sample_rate, timestamp, data
		 FROM data_storage
		 WHERE node_id = ? AND stream_kind = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC, id ASC`,
		nodeID.String(), string(kind), from.UTC().UnixNano(), to.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query samples for %s/%s: %w", nodeID, kind, err)
	}
	defer rows.Close() //nolint:errcheck

	var samples []Sample
	for rows.Next() {
		sample := Sample{NodeID: nodeID, Kind: kind}
		var freq, amp, lna, vga, rate, ts int64
		if err := rows.Scan(&freq, &amp, &lna, &vga, &rate, &ts, &sample.Data); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		sample.Freq = uint64(freq)
		sample.Amp = uint8(amp)
		sample.Lna = uint8(lna)
		sample.Vga = uint8(vga)
		sample.SampleRate = uint64(rate)
		sample.Timestamp = time.Unix(0, ts).UTC()
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
