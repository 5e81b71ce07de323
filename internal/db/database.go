package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
)

// Database is the sqlite implementation of store.Store. Timestamps are kept
// as unix milliseconds.
type Database struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Database)(nil)

func New(dbPath string, logger *slog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database initialized", "path", dbPath)
	return &Database{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		offer TEXT NOT NULL,
		answer TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at);

	CREATE TABLE IF NOT EXISTS room_candidates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		role TEXT NOT NULL,
		candidate TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_room_candidates_room_id ON room_candidates(room_id, role);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) stamp() int64 {
	return d.now().UnixMilli()
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id string, offer webrtc.SessionDescription) (*store.Room, error) {
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return nil, err
	}

	now := d.stamp()
	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, offer, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, string(offerJSON), now, now,
	)
	if err != nil {
		return nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("create %s: %w", id, store.ErrRoomExists)
	}

	return d.GetRoom(ctx, id)
}

func (d *Database) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, offer, answer, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	room, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", id, store.ErrRoomNotFound)
	}
	if err != nil {
		return nil, err
	}

	if room.CallerCandidates, err = d.candidates(ctx, id, store.RoleCaller); err != nil {
		return nil, err
	}
	if room.CalleeCandidates, err = d.candidates(ctx, id, store.RoleCallee); err != nil {
		return nil, err
	}
	return room, nil
}

// ListRooms returns rooms most recently updated first, without candidates.
func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]store.Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, offer, answer, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []store.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateRoom(ctx context.Context, id string, offer, answer *webrtc.SessionDescription) (*store.Room, error) {
	sets := []string{"updated_at = ?"}
	args := []any{d.stamp()}

	if offer != nil {
		data, err := json.Marshal(offer)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "offer = ?")
		args = append(args, string(data))
	}
	if answer != nil {
		data, err := json.Marshal(answer)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "answer = ?")
		args = append(args, string(data))
	}
	args = append(args, id)

	res, err := d.db.ExecContext(ctx, "UPDATE rooms SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, err
	}
	if err := requireRow(res, id); err != nil {
		return nil, err
	}
	return d.GetRoom(ctx, id)
}

func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM room_candidates WHERE room_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// Candidate operations

func (d *Database) AddCandidate(ctx context.Context, id string, role store.Role, candidate webrtc.ICECandidateInit) error {
	data, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := d.stamp()
	res, err := tx.ExecContext(ctx, "UPDATE rooms SET updated_at = ? WHERE id = ?", now, id)
	if err != nil {
		return err
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_candidates (room_id, role, candidate, created_at) VALUES (?, ?, ?, ?)",
		id, string(role), string(data), now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *Database) ListCandidates(ctx context.Context, id string, role store.Role) ([]webrtc.ICECandidateInit, error) {
	var exists int
	err := d.db.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("candidates %s: %w", id, store.ErrRoomNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d.candidates(ctx, id, role)
}

func (d *Database) candidates(ctx context.Context, id string, role store.Role) ([]webrtc.ICECandidateInit, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT candidate FROM room_candidates WHERE room_id = ? AND role = ? ORDER BY id ASC",
		id, string(role),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := []webrtc.ICECandidateInit{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (d *Database) ResetRoom(ctx context.Context, id string, offer *webrtc.SessionDescription) (*store.Room, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := d.stamp()
	var res sql.Result
	if offer != nil {
		data, err := json.Marshal(offer)
		if err != nil {
			return nil, err
		}
		res, err = tx.ExecContext(ctx,
			"UPDATE rooms SET offer = ?, answer = NULL, updated_at = ? WHERE id = ?",
			string(data), now, id,
		)
		if err != nil {
			return nil, err
		}
	} else {
		res, err = tx.ExecContext(ctx, "UPDATE rooms SET answer = NULL, updated_at = ? WHERE id = ?", now, id)
		if err != nil {
			return nil, err
		}
	}
	if err := requireRow(res, id); err != nil {
		return nil, err
	}

	roles := []any{string(store.RoleCallee)}
	query := "DELETE FROM room_candidates WHERE room_id = ? AND role = ?"
	if offer != nil {
		query = "DELETE FROM room_candidates WHERE room_id = ? AND role IN (?, ?)"
		roles = append(roles, string(store.RoleCaller))
	}
	if _, err := tx.ExecContext(ctx, query, append([]any{id}, roles...)...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.GetRoom(ctx, id)
}

// Maintenance

func (d *Database) DeleteStaleRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM rooms WHERE updated_at < ? ORDER BY id", cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM room_candidates WHERE room_id = ?", id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

func (d *Database) CountRooms(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*store.Room, error) {
	var (
		room                 store.Room
		offer                string
		answer               sql.NullString
		createdAt, updatedAt int64
	)
	if err := s.Scan(&room.ID, &offer, &answer, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(offer), &room.Offer); err != nil {
		return nil, fmt.Errorf("room %s offer: %w", room.ID, err)
	}
	if answer.Valid {
		room.Answer = &webrtc.SessionDescription{}
		if err := json.Unmarshal([]byte(answer.String), room.Answer); err != nil {
			return nil, fmt.Errorf("room %s answer: %w", room.ID, err)
		}
	}
	room.CreatedAt = time.UnixMilli(createdAt)
	room.UpdatedAt = time.UnixMilli(updatedAt)
	return &room, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("room %s: %w", id, store.ErrRoomNotFound)
	}
	return nil
}
