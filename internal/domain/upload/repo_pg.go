package upload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labportal/labportal/internal/platform/db"
)

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository {
	return &batchRepoPG{pool: pool}
}

func (r *batchRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const batchCols = `id, organization_id, staff_id, file_name, file_path, file_size_bytes,
	total_rows, success_rows, error_rows, status, started_at, completed_at, created_at, updated_at`

func scanBatch(row pgx.Row, extra ...interface{}) (*Batch, error) {
	var b Batch
	dest := []interface{}{&b.ID, &b.OrganizationID, &b.StaffID, &b.FileName, &b.FilePath, &b.FileSizeBytes,
		&b.TotalRows, &b.SuccessRows, &b.ErrorRows, &b.Status, &b.StartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &b, nil
}

func encodeDetails(details []ErrorDetail) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}

func (r *batchRepoPG) Create(ctx context.Context, b *Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	details, err := encodeDetails(b.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO upload_batch (id, organization_id, staff_id, file_name, file_path, file_size_bytes,
			total_rows, success_rows, error_rows, error_details, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		b.ID, b.OrganizationID, b.StaffID, b.FileName, b.FilePath, b.FileSizeBytes,
		b.TotalRows, b.SuccessRows, b.ErrorRows, details, b.Status, b.StartedAt,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert upload_batch: %w", err)
	}
	return nil
}

func (r *batchRepoPG) Update(ctx context.Context, b *Batch) error {
	details, err := encodeDetails(b.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE upload_batch SET file_path = $2, success_rows = $3, error_rows = $4,
			error_details = $5, status = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1 AND completed_at IS NULL
		RETURNING updated_at`,
		b.ID, b.FilePath, b.SuccessRows, b.ErrorRows, details, b.Status, b.CompletedAt,
	).Scan(&b.UpdatedAt)
	if !db.IsNoRows(err) {
		if err != nil {
			return fmt.Errorf("update upload_batch %s: %w", b.ID, err)
		}
		return nil
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM upload_batch WHERE id = $1)`, b.ID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return db.ErrNotFound
	}
	return ErrFinalized
}

func (r *batchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Batch, error) {
	var details []byte
	b, err := scanBatch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+batchCols+`, error_details FROM upload_batch WHERE id = $1`, id), &details)
	if db.IsNoRows(err) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &b.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details of batch %s: %w", id, err)
		}
	}
	return b, nil
}

func (r *batchRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Batch, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM upload_batch WHERE organization_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM upload_batch
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}
