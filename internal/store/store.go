package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/detector/internal/types"
)

// Store manages the PostgreSQL connection holding detection results.
type Store struct {
	conn *pgx.Conn
}

// Record is one answered request as the host saw it.
type Record struct {
	ID     uuid.UUID // correlation id of the request
	Path   string
	Model  string
	Result types.Result
}

// ImageSummary is one row of the images table plus its detection count
type ImageSummary struct {
	ID          uuid.UUID
	Path        string
	Model       string
	Width       int
	Height      int
	Detections  int
	ProcessedAt time.Time
}

// Detection is a single stored object
type Detection struct {
	Index int
	Label string
	Box   types.Box
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS images (
			id UUID PRIMARY KEY,
			path TEXT NOT NULL,
			model TEXT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			processed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			image_id UUID NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			idx INT NOT NULL,
			label TEXT NOT NULL,
			box INT[] NOT NULL CHECK (cardinality(box) = 4)
		);
		CREATE INDEX IF NOT EXISTS detections_image_id_idx ON detections (image_id);
		CREATE INDEX IF NOT EXISTS detections_label_idx ON detections (label);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveResult stores rec in one transaction. Saving the same id again replaces
// the earlier detections.
func (s *Store) SaveResult(ctx context.Context, rec Record) error {
	if len(rec.Result.Boxes) != len(rec.Result.Labels) {
		return fmt.Errorf("record %s: %d boxes but %d labels", rec.ID, len(rec.Result.Boxes), len(rec.Result.Labels))
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 1. Upsert the image row
	_, err = tx.Exec(ctx, `
		INSERT INTO images (id, path, model, width, height, processed_at)
		VALUES ($1::uuid, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path, model = EXCLUDED.model,
			width = EXCLUDED.width, height = EXCLUDED.height,
			processed_at = NOW()
	`, rec.ID.String(), rec.Path, rec.Model, rec.Result.Shape.Width, rec.Result.Shape.Height)
	if err != nil {
		return fmt.Errorf("saving image %s: %w", rec.ID, err)
	}

	// 2. Replace its detections
	if _, err := tx.Exec(ctx, "DELETE FROM detections WHERE image_id = $1::uuid", rec.ID.String()); err != nil {
		return err
	}
	if len(rec.Result.Boxes) > 0 {
		batch := &pgx.Batch{}
		for i, box := range rec.Result.Boxes {
			batch.Queue(`INSERT INTO detections (image_id, idx, label, box) VALUES ($1::uuid, $2, $3, $4)`,
				rec.ID.String(), i, rec.Result.Labels[i], []int32{int32(box[0]), int32(box[1]), int32(box[2]), int32(box[3])})
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("saving detections for %s: %w", rec.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// ListImages returns every stored image, newest first.
func (s *Store) ListImages(ctx context.Context) ([]ImageSummary, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT i.id::text, i.path, i.model, i.width, i.height, COUNT(d.id), i.processed_at
		FROM images i
		LEFT JOIN detections d ON d.image_id = i.id
		GROUP BY i.id
		ORDER BY i.processed_at DESC, i.path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []ImageSummary
	for rows.Next() {
		var img ImageSummary
		var id string
		if err := rows.Scan(&id, &img.Path, &img.Model, &img.Width, &img.Height, &img.Detections, &img.ProcessedAt); err != nil {
			return nil, err
		}
		if img.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// Detections returns the objects stored for one image in their original order.
func (s *Store) Detections(ctx context.Context, imageID uuid.UUID) ([]Detection, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT idx, label, box FROM detections WHERE image_id = $1::uuid ORDER BY idx", imageID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dets []Detection
	for rows.Next() {
		var d Detection
		var box []int32
		if err := rows.Scan(&d.Index, &d.Label, &box); err != nil {
			return nil, err
		}
		if len(box) != 4 {
			return nil, fmt.Errorf("detection %d of %s has %d coordinates", d.Index, imageID, len(box))
		}
		d.Box = types.Box{int(box[0]), int(box[1]), int(box[2]), int(box[3])}
		dets = append(dets, d)
	}
	return dets, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS detections CASCADE;
		DROP TABLE IF EXISTS images CASCADE;
	`)
	return err
}
