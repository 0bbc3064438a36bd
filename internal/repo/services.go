package repo

import (
	"context"
	"database/sql"

	"eleutherios/internal/domain"
)

func scanServiceStatus(scan func(...any) error) (domain.ServiceStatus, error) {
	var s domain.ServiceStatus
	var activatedBy, activatedAt, viaPolicy, params, metadata sql.NullString
	err := scan(&s.ForumID, &s.ServiceName, &s.Status, &activatedBy, &activatedAt, &viaPolicy, &params, &metadata, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if activatedBy.Valid {
		s.ActivatedBy = &activatedBy.String
	}
	if activatedAt.Valid {
		s.ActivatedAt = &activatedAt.String
	}
	if viaPolicy.Valid {
		s.AddedViaPolicy = &viaPolicy.String
	}
	if params.Valid {
		s.ParametersJSON = &params.String
	}
	if metadata.Valid {
		s.MetadataJSON = &metadata.String
	}
	return s, nil
}

const serviceColumns = `forum_id,service_name,status,activated_by,activated_at,added_via_policy,parameters_json,metadata_json,updated_at`

func (r Repo) GetServiceStatusTx(ctx context.Context, tx *sql.Tx, forumID, serviceName string) (domain.ServiceStatus, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM service_status WHERE forum_id=? AND service_name=?`, forumID, serviceName)
	s, err := scanServiceStatus(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetServiceStatus(ctx context.Context, forumID, serviceName string) (domain.ServiceStatus, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM service_status WHERE forum_id=? AND service_name=?`, forumID, serviceName)
	s, err := scanServiceStatus(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) UpsertServiceStatusTx(ctx context.Context, tx *sql.Tx, s domain.ServiceStatus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO service_status(forum_id,service_name,status,activated_by,activated_at,added_via_policy,parameters_json,metadata_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(forum_id,service_name) DO UPDATE SET
  status=excluded.status,
  activated_by=excluded.activated_by,
  activated_at=excluded.activated_at,
  parameters_json=excluded.parameters_json,
  metadata_json=excluded.metadata_json,
  updated_at=excluded.updated_at`,
		s.ForumID, s.ServiceName, s.Status, nullableStringPtr(s.ActivatedBy), nullableStringPtr(s.ActivatedAt),
		nullableStringPtr(s.AddedViaPolicy), nullableStringPtr(s.ParametersJSON), nullableStringPtr(s.MetadataJSON), s.UpdatedAt)
	return err
}

func (r Repo) ListServiceStatus(ctx context.Context, forumID string) ([]domain.ServiceStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+serviceColumns+` FROM service_status WHERE forum_id=? ORDER BY service_name`, forumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceStatus
	for rows.Next() {
		s, err := scanServiceStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertPaymentIntentTx(ctx context.Context, tx *sql.Tx, p domain.PaymentIntent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_intents(id,forum_id,service_name,amount,currency,payer_id,payee_id,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ForumID, p.ServiceName, p.Amount, p.Currency, p.PayerID, p.PayeeID, p.Status, p.CreatedAt)
	return err
}

func (r Repo) ListPaymentIntents(ctx context.Context, forumID string) ([]domain.PaymentIntent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,forum_id,service_name,amount,currency,payer_id,payee_id,status,created_at FROM payment_intents WHERE forum_id=? ORDER BY created_at DESC, id DESC`, forumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentIntent
	for rows.Next() {
		var p domain.PaymentIntent
		if err := rows.Scan(&p.ID, &p.ForumID, &p.ServiceName, &p.Amount, &p.Currency, &p.PayerID, &p.PayeeID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
