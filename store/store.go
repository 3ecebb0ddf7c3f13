// Package store persists surfel model checkpoints in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gekko3d/surfelrec"
	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"
	_ "modernc.org/sqlite"
)

var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint describes one saved snapshot.
type Checkpoint struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	ModelID     uuid.UUID
	Frame       int
	Version     uint64
	Capacity    int
	SurfelCount int
	CreatedAt   time.Time
}

type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger surfelrec.Logger
}

type Option func(*Store)

// WithLogger routes store and migration messages to l.
func WithLogger(l surfelrec.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	// One connection keeps pragmas and in-memory databases consistent.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now, logger: surfelrec.NopLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot writes every live surfel of snap as a new checkpoint.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID uuid.UUID, snap *surfelrec.Snapshot) (Checkpoint, error) {
	cp := Checkpoint{
		ID:          uuid.New(),
		SessionID:   sessionID,
		ModelID:     snap.ModelID,
		Frame:       snap.Frame,
		Version:     snap.Version,
		Capacity:    len(snap.Live),
		SurfelCount: snap.Count,
		CreatedAt:   s.now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, session_id, model_id, frame, version, capacity, surfel_count, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID.String(), cp.SessionID.String(), cp.ModelID.String(), cp.Frame, int64(cp.Version),
		cp.Capacity, cp.SurfelCount, cp.CreatedAt.UnixNano())
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO surfels (checkpoint_id, slot, px, py, pz, nx, ny, nz, radius, r, g, b,
			confidence, last_seen, created_at, unseen_frames, feature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to prepare surfel insert: %w", err)
	}
	defer stmt.Close()

	var insertErr error
	snap.ForEach(func(id surfelrec.SlotId, sf *surfelrec.Surfel) bool {
		var feature []byte
		if sf.HasFeature {
			feature = sf.Feature[:]
		}
		_, insertErr = stmt.ExecContext(ctx, cp.ID.String(), int64(id),
			float64(sf.Position.X()), float64(sf.Position.Y()), float64(sf.Position.Z()),
			float64(sf.Normal.X()), float64(sf.Normal.Y()), float64(sf.Normal.Z()),
			float64(sf.Radius), sf.Color.R, sf.Color.G, sf.Color.B,
			float64(sf.Confidence), sf.LastSeen, sf.CreatedAt, sf.UnseenFrames, feature)
		return insertErr == nil
	})
	if insertErr != nil {
		return Checkpoint{}, fmt.Errorf("failed to insert surfel: %w", insertErr)
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp, nil
}

// Checkpointer adapts SaveSnapshot to a session checkpoint hook.
func (s *Store) Checkpointer() surfelrec.CheckpointFunc {
	return func(ctx context.Context, sessionID uuid.UUID, snap *surfelrec.Snapshot) error {
		_, err := s.SaveSnapshot(ctx, sessionID, snap)
		return err
	}
}

// LatestCheckpoint returns the checkpoint with the highest frame of a
// session, or of any session when sessionID is uuid.Nil.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID uuid.UUID) (Checkpoint, error) {
	query := `
		SELECT checkpoint_id, session_id, model_id, frame, version, capacity, surfel_count, created_unix_nanos
		FROM checkpoints`
	var args []any
	if sessionID != uuid.Nil {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID.String())
	}
	query += ` ORDER BY frame DESC, created_unix_nanos DESC LIMIT 1`

	var (
		cp                        Checkpoint
		id, session, model        string
		version, createdUnixNanos int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id, &session, &model, &cp.Frame, &version,
		&cp.Capacity, &cp.SurfelCount, &createdUnixNanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}
	if cp.ID, err = uuid.Parse(id); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint id %q: %w", id, err)
	}
	if cp.SessionID, err = uuid.Parse(session); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt session id %q: %w", session, err)
	}
	if cp.ModelID, err = uuid.Parse(model); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt model id %q: %w", model, err)
	}
	cp.Version = uint64(version)
	cp.CreatedAt = time.Unix(0, createdUnixNanos).UTC()
	return cp, nil
}

// LoadSurfels returns the surfels of a checkpoint in slot order.
func (s *Store) LoadSurfels(ctx context.Context, checkpointID uuid.UUID) ([]surfelrec.Surfel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT px, py, pz, nx, ny, nz, radius, r, g, b, confidence, last_seen, created_at, unseen_frames, feature
		FROM surfels WHERE checkpoint_id = ? ORDER BY slot`, checkpointID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query surfels: %w", err)
	}
	defer rows.Close()

	var out []surfelrec.Surfel
	for rows.Next() {
		var (
			sf         surfelrec.Surfel
			px, py, pz float64
			nx, ny, nz float64
			radius, cf float64
			r, g, b    float64
			feature    []byte
		)
		if err := rows.Scan(&px, &py, &pz, &nx, &ny, &nz, &radius, &r, &g, &b, &cf,
			&sf.LastSeen, &sf.CreatedAt, &sf.UnseenFrames, &feature); err != nil {
			return nil, fmt.Errorf("failed to scan surfel: %w", err)
		}
		sf.Position = mgl32.Vec3{float32(px), float32(py), float32(pz)}
		sf.Normal = mgl32.Vec3{float32(nx), float32(ny), float32(nz)}
		sf.Radius = float32(radius)
		sf.Confidence = float32(cf)
		sf.Color = colorful.Color{R: r, G: g, B: b}
		if feature != nil {
			if len(feature) != sensor.DescriptorSize {
				return nil, fmt.Errorf("surfel feature has %d bytes, want %d", len(feature), sensor.DescriptorSize)
			}
			copy(sf.Feature[:], feature)
			sf.HasFeature = true
		}
		out = append(out, sf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read surfels: %w", err)
	}
	return out, nil
}

// Restore rebuilds a model from a checkpoint.
func (s *Store) Restore(ctx context.Context, cp Checkpoint, opts ...surfelrec.ModelOption) (*surfelrec.SurfelModel, error) {
	surfels, err := s.LoadSurfels(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	opts = append([]surfelrec.ModelOption{surfelrec.WithModelID(cp.ModelID)}, opts...)
	return surfelrec.RestoreModel(cp.Capacity, surfels, opts...)
}
