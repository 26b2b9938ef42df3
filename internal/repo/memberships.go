package repo

import (
	"context"
	"database/sql"

	"maturion/internal/domain"
)

const membershipCols = `id,index_id,actor_id,role,COALESCE(added_by,'') AS added_by,created_at,updated_at`

func scanMembership(scan func(...any) error) (domain.Membership, error) {
	var m domain.Membership
	err := scan(&m.ID, &m.IndexID, &m.ActorID, &m.Role, &m.AddedBy, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// InsertMembership adds a membership row. The UNIQUE(index_id,actor_id)
// constraint surfaces duplicates as a driver error for the engine to map.
func (r Repo) InsertMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memberships(id,index_id,actor_id,role,added_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.IndexID, m.ActorID, m.Role, nullable(m.AddedBy), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMembership(ctx context.Context, indexID, actorID string) (domain.Membership, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+membershipCols+` FROM memberships WHERE index_id=? AND actor_id=?`, indexID, actorID)
	return scanMembership(row.Scan)
}

func (r Repo) GetMembershipTx(ctx context.Context, tx *sql.Tx, indexID, actorID string) (domain.Membership, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+membershipCols+` FROM memberships WHERE index_id=? AND actor_id=?`, indexID, actorID)
	return scanMembership(row.Scan)
}

func (r Repo) ListMemberships(ctx context.Context, indexID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+membershipCols+` FROM memberships WHERE index_id=? ORDER BY created_at ASC, id ASC`, indexID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMembershipsByActor(ctx context.Context, actorID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+membershipCols+` FROM memberships WHERE actor_id=? ORDER BY created_at ASC, id ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMembershipRole changes the role guarded by the expected current role,
// so two concurrent role changes cannot silently overwrite each other.
func (r Repo) UpdateMembershipRole(ctx context.Context, tx *sql.Tx, indexID, actorID, fromRole, toRole, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE memberships SET role=?, updated_at=? WHERE index_id=? AND actor_id=? AND role=?`,
		toRole, updatedAt, indexID, actorID, fromRole)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteMembership(ctx context.Context, tx *sql.Tx, indexID, actorID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE index_id=? AND actor_id=?`, indexID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOwners reports how many owners the index has, used to block removing
// or demoting the last owner.
func (r Repo) CountOwners(ctx context.Context, tx *sql.Tx, indexID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE index_id=? AND role='owner'`, indexID).Scan(&n)
	return n, err
}
