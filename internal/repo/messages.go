package repo

import (
	"context"
	"database/sql"
	"strings"

	"eleutherios/internal/domain"
)

// InsertMessageTx stores a message and returns its assigned seq.
func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(id,forum_id,sender_id,content,type,metadata_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ForumID, m.SenderID, m.Content, m.Type, nullableStringPtr(m.MetadataJSON), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type MessageFilters struct {
	ForumID string
	Type    string
	Limit   int
	// CursorSeq, when > 0, returns messages strictly older than it.
	CursorSeq int64
}

// ListMessages returns messages newest first, ordered by the monotonic
// seq column. Timestamps have second resolution, so a rule message and
// its system summary often share a created_at; seq keeps them in
// insertion order regardless.
func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	clauses := []string{"forum_id=?"}
	args := []any{f.ForumID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorSeq > 0 {
		clauses = append(clauses, "seq < ?")
		args = append(args, f.CursorSeq)
	}
	query := `SELECT seq,id,forum_id,sender_id,content,type,metadata_json,created_at FROM messages WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesAfter returns messages with seq strictly greater than the
// cursor in ascending order; used by the live transcript stream.
func (r Repo) MessagesAfter(ctx context.Context, forumID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT seq,id,forum_id,sender_id,content,type,metadata_json,created_at FROM messages
		 WHERE forum_id=? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		forumID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var metadata sql.NullString
		if err := rows.Scan(&m.Seq, &m.ID, &m.ForumID, &m.SenderID, &m.Content, &m.Type, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.Valid {
			m.MetadataJSON = &metadata.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
