package result

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labportal/labportal/internal/platform/db"
)

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const detailCols = `r.id, r.patient_id, r.observed_date, r.items, r.organization_id,
	r.staff_id, r.source_file_name, r.source_row_number, r.notes, r.created_at,
	p.name, p.email`

func (r *resultRepoPG) scanDetail(row pgx.Row) (*Detail, error) {
	var (
		d         Detail
		itemsJSON []byte
		orgID     *uuid.UUID
		staffID   *string
		rowNumber *int
	)
	err := row.Scan(&d.ID, &d.PatientID, &d.ObservedDate, &itemsJSON, &orgID,
		&staffID, &d.SourceFileName, &rowNumber, &d.Notes, &d.CreatedAt,
		&d.PatientName, &d.PatientEmail)
	if db.IsNoRows(err) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &d.Items); err != nil {
		return nil, fmt.Errorf("decode items of result %s: %w", d.ID, err)
	}
	if orgID != nil {
		d.Provenance = &Provenance{
			OrganizationID: *orgID,
			SourceFileName: d.SourceFileName,
		}
		if staffID != nil {
			d.Provenance.StaffID = *staffID
		}
		if rowNumber != nil {
			d.Provenance.SourceRowNumber = *rowNumber
		}
	}
	return &d, nil
}

func (r *resultRepoPG) Insert(ctx context.Context, tr *TestResult) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	itemsJSON, err := json.Marshal(tr.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	var (
		orgID     *uuid.UUID
		staffID   *string
		rowNumber *int
	)
	if p := tr.Provenance; p != nil {
		orgID, staffID, rowNumber = &p.OrganizationID, &p.StaffID, &p.SourceRowNumber
	}

	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_result (id, patient_id, observed_date, items, organization_id,
			staff_id, source_file_name, source_row_number, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		tr.ID, tr.PatientID, tr.ObservedDate, itemsJSON, orgID,
		staffID, tr.SourceFileName, rowNumber, tr.Notes,
	).Scan(&tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert test_result: %w", err)
	}
	return nil
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Detail, error) {
	return r.scanDetail(r.conn(ctx).QueryRow(ctx, `
		SELECT `+detailCols+`
		FROM test_result r JOIN patient p ON p.id = r.patient_id
		WHERE r.id = $1`, id))
}

func (r *resultRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Summary, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM test_result WHERE patient_id = $1`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, to_char(observed_date, 'YYYY-MM-DD'),
			(SELECT COUNT(*) FROM jsonb_object_keys(items)), source_file_name, created_at
		FROM test_result
		WHERE patient_id = $1
		ORDER BY observed_date DESC, created_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.ObservedDate, &s.ItemCount, &s.SourceFileName, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &s)
	}
	return items, total, rows.Err()
}

func (r *resultRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*StaffSummary, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM test_result WHERE organization_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT r.id, to_char(r.observed_date, 'YYYY-MM-DD'),
			(SELECT COUNT(*) FROM jsonb_object_keys(r.items)), r.source_file_name, r.created_at,
			r.patient_id, p.name, p.email, r.source_row_number
		FROM test_result r JOIN patient p ON p.id = r.patient_id
		WHERE r.organization_id = $1
		ORDER BY r.created_at DESC, r.source_row_number
		LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*StaffSummary
	for rows.Next() {
		var s StaffSummary
		if err := rows.Scan(&s.ID, &s.ObservedDate, &s.ItemCount, &s.SourceFileName, &s.CreatedAt,
			&s.PatientID, &s.PatientName, &s.PatientEmail, &s.SourceRowNumber); err != nil {
			return nil, 0, err
		}
		items = append(items, &s)
	}
	return items, total, rows.Err()
}

func (r *resultRepoPG) StatsByOrganization(ctx context.Context, orgID uuid.UUID) (*OrganizationStats, error) {
	var s OrganizationStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT patient_id)
		FROM test_result WHERE organization_id = $1`, orgID,
	).Scan(&s.TotalResults, &s.TotalPatients)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
