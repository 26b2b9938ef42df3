package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"maturion/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const indexCols = `id,code,name_ar,COALESCE(name_en,'') AS name_en,COALESCE(description,'') AS description,index_type,public,start_date,end_date,archived_at,created_at,updated_at`

func scanIndex(scan func(...any) error) (domain.Index, error) {
	var ix domain.Index
	var public int
	var startDate, endDate, archivedAt sql.NullString
	err := scan(&ix.ID, &ix.Code, &ix.NameAr, &ix.NameEn, &ix.Description, &ix.Type, &public, &startDate, &endDate, &archivedAt, &ix.CreatedAt, &ix.UpdatedAt)
	if err == sql.ErrNoRows {
		return ix, ErrNotFound
	}
	if err != nil {
		return ix, err
	}
	ix.Public = public != 0
	if startDate.Valid {
		ix.StartDate = &startDate.String
	}
	if endDate.Valid {
		ix.EndDate = &endDate.String
	}
	if archivedAt.Valid {
		ix.ArchivedAt = &archivedAt.String
	}
	return ix, nil
}

func (r Repo) InsertIndex(ctx context.Context, tx *sql.Tx, ix domain.Index) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO indices(id,code,name_ar,name_en,description,index_type,public,start_date,end_date,archived_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ix.ID, ix.Code, ix.NameAr, nullable(ix.NameEn), nullable(ix.Description), ix.Type, boolInt(ix.Public),
		nullableStringPtr(ix.StartDate), nullableStringPtr(ix.EndDate), nullableStringPtr(ix.ArchivedAt), ix.CreatedAt, ix.UpdatedAt)
	return err
}

func (r Repo) GetIndex(ctx context.Context, id string) (domain.Index, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+indexCols+` FROM indices WHERE id=?`, id)
	return scanIndex(row.Scan)
}

func (r Repo) GetIndexByCode(ctx context.Context, code string) (domain.Index, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+indexCols+` FROM indices WHERE code=?`, code)
	return scanIndex(row.Scan)
}

func (r Repo) ListIndices(ctx context.Context) ([]domain.Index, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+indexCols+` FROM indices ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Index
	for rows.Next() {
		ix, err := scanIndex(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ix)
	}
	return res, rows.Err()
}

// UpdateIndex patches the mutable index fields. Archival goes through
// ArchiveIndex so the ledger entry stays paired with the timestamp.
func (r Repo) UpdateIndex(ctx context.Context, tx *sql.Tx, ix domain.Index) error {
	res, err := tx.ExecContext(ctx, `UPDATE indices SET name_ar=?, name_en=?, description=?, public=?, start_date=?, end_date=?, updated_at=? WHERE id=?`,
		ix.NameAr, nullable(ix.NameEn), nullable(ix.Description), boolInt(ix.Public),
		nullableStringPtr(ix.StartDate), nullableStringPtr(ix.EndDate), ix.UpdatedAt, ix.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveIndex sets archived_at only when the index is not already archived;
// zero rows affected means it was archived concurrently (or missing).
func (r Repo) ArchiveIndex(ctx context.Context, tx *sql.Tx, id, archivedAt, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE indices SET archived_at=?, updated_at=? WHERE id=? AND archived_at IS NULL`, archivedAt, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const requirementCols = `id,index_id,code,question_ar,COALESCE(question_en,'') AS question_en,COALESCE(main_area,'') AS main_area,COALESCE(sub_domain,'') AS sub_domain,display_order,answer,answer_status,created_at,updated_at`

func scanRequirement(scan func(...any) error) (domain.Requirement, error) {
	var rq domain.Requirement
	var answer sql.NullString
	err := scan(&rq.ID, &rq.IndexID, &rq.Code, &rq.QuestionAr, &rq.QuestionEn, &rq.MainArea, &rq.SubDomain, &rq.DisplayOrder, &answer, &rq.AnswerStatus, &rq.CreatedAt, &rq.UpdatedAt)
	if err == sql.ErrNoRows {
		return rq, ErrNotFound
	}
	if err != nil {
		return rq, err
	}
	if answer.Valid {
		rq.Answer = &answer.String
	}
	return rq, nil
}

func (r Repo) InsertRequirement(ctx context.Context, tx *sql.Tx, rq domain.Requirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requirements(id,index_id,code,question_ar,question_en,main_area,sub_domain,display_order,answer,answer_status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rq.ID, rq.IndexID, rq.Code, rq.QuestionAr, nullable(rq.QuestionEn), nullable(rq.MainArea), nullable(rq.SubDomain),
		rq.DisplayOrder, nullableStringPtr(rq.Answer), rq.AnswerStatus, rq.CreatedAt, rq.UpdatedAt)
	return err
}

func (r Repo) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requirementCols+` FROM requirements WHERE id=?`, id)
	return scanRequirement(row.Scan)
}

func (r Repo) GetRequirementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Requirement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requirementCols+` FROM requirements WHERE id=?`, id)
	return scanRequirement(row.Scan)
}

func (r Repo) ListRequirements(ctx context.Context, indexID string) ([]domain.Requirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requirementCols+` FROM requirements WHERE index_id=? ORDER BY display_order ASC, code ASC`, indexID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		rq, err := scanRequirement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rq)
	}
	return res, rows.Err()
}

// UpdateAnswer writes answer text and status guarded by the expected current
// status. Zero rows affected means a concurrent writer moved the answer first.
func (r Repo) UpdateAnswer(ctx context.Context, tx *sql.Tx, id string, answer *string, fromStatus, toStatus, updatedAt string) (bool, error) {
	var res sql.Result
	var err error
	if answer != nil {
		res, err = tx.ExecContext(ctx, `UPDATE requirements SET answer=?, answer_status=?, updated_at=? WHERE id=? AND answer_status=?`,
			nullableStringPtr(answer), toStatus, updatedAt, id, fromStatus)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE requirements SET answer_status=?, updated_at=? WHERE id=? AND answer_status=?`,
			toStatus, updatedAt, id, fromStatus)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertActor(ctx context.Context, actor domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,global_role,created_at) VALUES (?,?,?)`,
		actor.ID, actor.GlobalRole, actor.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.DB.QueryRowContext(ctx, `SELECT id,global_role,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.GlobalRole, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// EnsureActor inserts the actor row if missing, keeping an existing
// global_role untouched. A non-nil tx joins the caller's transaction so rows
// whose foreign keys point at actors commit together with the actor itself.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, id, globalRole, createdAt string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO actors(id,global_role,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, globalRole, createdAt)
	return err
}

func (r Repo) SetGlobalRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	res, err := tx.ExecContext(ctx, `UPDATE actors SET global_role=? WHERE id=?`, role, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ActivityFilters struct {
	IndexID    string
	Action     string
	EntityKind string
	EntityID   string
	ActorID    string
	Limit      int
	Cursor     int64
}

// LatestActivities pages the ledger newest-first on the rowid cursor.
func (r Repo) LatestActivities(ctx context.Context, f ActivityFilters) ([]domain.ActivityRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.IndexID != "" {
		clauses = append(clauses, "index_id=?")
		args = append(args, f.IndexID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,action,index_id,entity_kind,entity_id,actor_id,maturity_level,version_number,comment,payload_json FROM activities %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ActivitiesAfter returns ledger rows with IDs greater than the cursor in
// ascending order, for the webhook poller.
func (r Repo) ActivitiesAfter(ctx context.Context, limit int, cursor int64, indexID string) ([]domain.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if indexID != "" {
		clauses = append(clauses, "index_id=?")
		args = append(args, indexID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,action,index_id,entity_kind,entity_id,actor_id,maturity_level,version_number,comment,payload_json FROM activities %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestActivityID returns the most recent ledger ID for an index.
func (r Repo) LatestActivityID(ctx context.Context, indexID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activities WHERE index_id=?`, indexID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanActivity(scan func(...any) error) (domain.ActivityRecord, error) {
	var rec domain.ActivityRecord
	var indexID, entityID, comment, payload sql.NullString
	var level, version sql.NullInt64
	err := scan(&rec.ID, &rec.TS, &rec.Action, &indexID, &rec.EntityKind, &entityID, &rec.ActorID, &level, &version, &comment, &payload)
	if err != nil {
		return rec, err
	}
	if indexID.Valid {
		rec.IndexID = indexID.String
	}
	if entityID.Valid {
		rec.EntityID = entityID.String
	}
	if level.Valid {
		v := int(level.Int64)
		rec.MaturityLevel = &v
	}
	if version.Valid {
		v := int(version.Int64)
		rec.VersionNumber = &v
	}
	if comment.Valid {
		rec.Comment = comment.String
	}
	if payload.Valid {
		rec.Payload = payload.String
	}
	return rec, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
