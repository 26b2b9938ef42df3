package repo

import (
	"context"
	"database/sql"

	"maturion/internal/domain"
)

const evidenceCols = `id,requirement_id,index_id,maturity_level,document_name,current_version,status,COALESCE(assignee_id,'') AS assignee_id,created_by,created_at,updated_at`

func scanEvidence(scan func(...any) error) (domain.Evidence, error) {
	var ev domain.Evidence
	err := scan(&ev.ID, &ev.RequirementID, &ev.IndexID, &ev.MaturityLevel, &ev.DocumentName, &ev.CurrentVersion, &ev.Status, &ev.AssigneeID, &ev.CreatedBy, &ev.CreatedAt, &ev.UpdatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	return ev, err
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(id,requirement_id,index_id,maturity_level,document_name,current_version,status,assignee_id,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.RequirementID, ev.IndexID, ev.MaturityLevel, ev.DocumentName, ev.CurrentVersion, ev.Status,
		nullable(ev.AssigneeID), ev.CreatedBy, ev.CreatedAt, ev.UpdatedAt)
	return err
}

func (r Repo) GetEvidence(ctx context.Context, id string) (domain.Evidence, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+evidenceCols+` FROM evidence WHERE id=?`, id)
	return scanEvidence(row.Scan)
}

func (r Repo) GetEvidenceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Evidence, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+evidenceCols+` FROM evidence WHERE id=?`, id)
	return scanEvidence(row.Scan)
}

type EvidenceFilters struct {
	IndexID       string
	RequirementID string
	Status        string
	AssigneeID    string
}

func (r Repo) ListEvidence(ctx context.Context, f EvidenceFilters) ([]domain.Evidence, error) {
	query := `SELECT ` + evidenceCols + ` FROM evidence WHERE 1=1`
	var args []any
	if f.IndexID != "" {
		query += ` AND index_id=?`
		args = append(args, f.IndexID)
	}
	if f.RequirementID != "" {
		query += ` AND requirement_id=?`
		args = append(args, f.RequirementID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		query += ` AND assignee_id=?`
		args = append(args, f.AssigneeID)
	}
	query += ` ORDER BY maturity_level ASC, created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// TransitionEvidence moves evidence status guarded by the expected current
// status. Zero rows affected means another writer won the race.
func (r Repo) TransitionEvidence(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE evidence SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) AssignEvidence(ctx context.Context, tx *sql.Tx, id, assigneeID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE evidence SET assignee_id=?, updated_at=? WHERE id=?`,
		nullable(assigneeID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextVersionNumber reads MAX(version_number)+1 inside the caller's
// transaction; the UNIQUE(evidence_id,version_number) constraint backstops
// the race when two uploads commit at once.
func (r Repo) NextVersionNumber(ctx context.Context, tx *sql.Tx, evidenceID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM evidence_versions WHERE evidence_id=?`, evidenceID).Scan(&n)
	return n, err
}

func (r Repo) InsertEvidenceVersion(ctx context.Context, tx *sql.Tx, v domain.EvidenceVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence_versions(id,evidence_id,version_number,filename,storage_key,file_size,sha256,uploaded_by,comment,uploaded_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.EvidenceID, v.VersionNumber, v.Filename, v.StorageKey, v.FileSize, nullable(v.SHA256),
		v.UploadedBy, nullable(v.Comment), v.UploadedAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE evidence SET current_version=? WHERE id=? AND current_version<?`,
		v.VersionNumber, v.EvidenceID, v.VersionNumber)
	return err
}

const versionCols = `id,evidence_id,version_number,filename,storage_key,file_size,COALESCE(sha256,'') AS sha256,uploaded_by,COALESCE(comment,'') AS comment,uploaded_at`

func scanVersion(scan func(...any) error) (domain.EvidenceVersion, error) {
	var v domain.EvidenceVersion
	err := scan(&v.ID, &v.EvidenceID, &v.VersionNumber, &v.Filename, &v.StorageKey, &v.FileSize, &v.SHA256, &v.UploadedBy, &v.Comment, &v.UploadedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListEvidenceVersions(ctx context.Context, evidenceID string) ([]domain.EvidenceVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionCols+` FROM evidence_versions WHERE evidence_id=? ORDER BY version_number ASC`, evidenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidenceVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) GetEvidenceVersion(ctx context.Context, evidenceID string, versionNumber int) (domain.EvidenceVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM evidence_versions WHERE evidence_id=? AND version_number=?`, evidenceID, versionNumber)
	return scanVersion(row.Scan)
}

// ConfirmedLevels returns the distinct maturity levels of confirmed evidence
// per requirement in an index, for the completion calculator.
func (r Repo) ConfirmedLevels(ctx context.Context, indexID string) (map[string][]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT requirement_id, maturity_level FROM evidence WHERE index_id=? AND status='confirmed' ORDER BY requirement_id, maturity_level`, indexID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]int{}
	for rows.Next() {
		var reqID string
		var level int
		if err := rows.Scan(&reqID, &level); err != nil {
			return nil, err
		}
		res[reqID] = append(res[reqID], level)
	}
	return res, rows.Err()
}
