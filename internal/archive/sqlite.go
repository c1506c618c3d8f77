// Package archive persists completed streams.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/protocol/control"
	"github.com/danmuck/resonant/internal/protocol/stream"
)

var ErrNotFound = errors.New("archive: stream not found")

// Record is one archived stream.
type Record struct {
	ID          string
	StreamID    uint32
	Type        protocol.MsgType
	Modality    protocol.Modality
	Direction   control.Direction
	SpaceHash32 uint32
	StrongHash  uint64
	Frames      int
	Size        int
	OpenedAt    time.Time
	CompletedAt time.Time
	// Bytes is only filled by Get.
	Bytes []byte
}

// ListParams filters List. Zero values match everything.
type ListParams struct {
	Type  *protocol.MsgType
	Limit int
}

// SQLiteSink stores delivered streams in a SQLite database.
type SQLiteSink struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewSQLiteSink opens or creates the database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &SQLiteSink{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) newID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS streams (
		id           TEXT PRIMARY KEY,
		stream_id    INTEGER NOT NULL,
		type         INTEGER NOT NULL,
		modality     INTEGER NOT NULL,
		direction    INTEGER NOT NULL,
		space_hash32 INTEGER NOT NULL,
		strong_hash  TEXT NOT NULL,
		frames       INTEGER NOT NULL,
		size         INTEGER NOT NULL,
		opened_at    TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		bytes        BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_streams_type ON streams(type);
	CREATE INDEX IF NOT EXISTS idx_streams_completed ON streams(completed_at DESC);
	`)
	return err
}

// Deliver archives a completed stream.
func (s *SQLiteSink) Deliver(ctx context.Context, a *stream.Assembled) error {
	if a == nil {
		return nil
	}
	id := s.newID(a.CompletedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, stream_id, type, modality, direction, space_hash32,
			strong_hash, frames, size, opened_at, completed_at, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		int64(a.StreamID),
		int(a.Type),
		int(a.Modality),
		int(a.Direction),
		int64(a.SpaceHash32),
		fmt.Sprintf("%016x", a.StrongHash),
		a.Frames,
		len(a.Bytes),
		a.OpenedAt.UTC().Format(time.RFC3339Nano),
		a.CompletedAt.UTC().Format(time.RFC3339Nano),
		a.Bytes,
	)
	if err != nil {
		return fmt.Errorf("archive stream %d: %w", a.StreamID, err)
	}
	log.Debug().Str("id", id).Uint32("stream_id", a.StreamID).Int("bytes", len(a.Bytes)).Msg("archive.SQLiteSink.Deliver stored")
	return nil
}

const recordColumns = `id, stream_id, type, modality, direction, space_hash32,
	strong_hash, frames, size, opened_at, completed_at`

// List returns archived streams, newest first, without their bytes.
func (s *SQLiteSink) List(ctx context.Context, p ListParams) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM streams`
	var args []any
	if p.Type != nil {
		query += ` WHERE type = ?`
		args = append(args, int(*p.Type))
	}
	query += ` ORDER BY completed_at DESC, id DESC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one archived stream with its bytes.
func (s *SQLiteSink) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`, bytes FROM streams WHERE id = ?`, id)
	var payload []byte
	r, err := scanRecord(row, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	r.Bytes = payload
	if r.Bytes == nil {
		r.Bytes = []byte{}
	}
	return r, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (Record, error) {
	var (
		r                     Record
		streamID, spaceHash   int64
		msgType, mod, dir     int
		strong                string
		openedAt, completedAt string
	)
	dest := []any{&r.ID, &streamID, &msgType, &mod, &dir, &spaceHash, &strong, &r.Frames, &r.Size, &openedAt, &completedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Record{}, err
	}
	r.StreamID = uint32(streamID)
	r.Type = protocol.MsgType(msgType)
	r.Modality = protocol.Modality(mod)
	r.Direction = control.Direction(dir)
	r.SpaceHash32 = uint32(spaceHash)
	if _, err := fmt.Sscanf(strong, "%x", &r.StrongHash); err != nil {
		return Record{}, fmt.Errorf("strong hash %q: %w", strong, err)
	}
	var err error
	if r.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
		return Record{}, err
	}
	if r.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}
