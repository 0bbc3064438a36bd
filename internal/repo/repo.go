package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"eleutherios/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic forum update loses
// the race against a concurrent writer.
var ErrVersionConflict = errors.New("forum changed concurrently; retry")

func (r Repo) InsertPolicyTx(ctx context.Context, tx *sql.Tx, p domain.Policy) error {
	rulesJSON, err := marshalStrings(p.Rules)
	if err != nil {
		return err
	}
	permsJSON, err := marshalPermissions(p.Permissions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO policies(id,name,description,parent_policy_id,parent_forum_id,rules_json,permissions_json,created_by,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), nullableStringPtr(p.ParentPolicyID), nullableStringPtr(p.ParentForumID),
		rulesJSON, permsJSON, p.CreatedBy, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	for _, userID := range p.Stakeholders {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO policy_stakeholders(policy_id, user_id) VALUES (?,?)`, p.ID, userID); err != nil {
			return fmt.Errorf("insert stakeholder: %w", err)
		}
	}
	return nil
}

const policyColumns = `id,name,COALESCE(description,''),parent_policy_id,parent_forum_id,rules_json,permissions_json,created_by,status,created_at`

func (r Repo) scanPolicy(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, query string, args ...any) (domain.Policy, error) {
	var p domain.Policy
	var parentPolicy, parentForum, rulesJSON, permsJSON sql.NullString
	err := q.QueryRowContext(ctx, query, args...).
		Scan(&p.ID, &p.Name, &p.Description, &parentPolicy, &parentForum, &rulesJSON, &permsJSON, &p.CreatedBy, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if parentPolicy.Valid {
		p.ParentPolicyID = &parentPolicy.String
	}
	if parentForum.Valid {
		p.ParentForumID = &parentForum.String
	}
	if rulesJSON.Valid && rulesJSON.String != "" {
		if err := json.Unmarshal([]byte(rulesJSON.String), &p.Rules); err != nil {
			return p, fmt.Errorf("policy rules: %w", err)
		}
	}
	if permsJSON.Valid && permsJSON.String != "" {
		if err := json.Unmarshal([]byte(permsJSON.String), &p.Permissions); err != nil {
			return p, fmt.Errorf("policy permissions: %w", err)
		}
	}
	return p, nil
}

func (r Repo) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	p, err := r.scanPolicy(ctx, r.DB, `SELECT `+policyColumns+` FROM policies WHERE id=?`, id)
	if err != nil {
		return p, err
	}
	p.Stakeholders, err = r.listPolicyStakeholders(ctx, id)
	return p, err
}

func (r Repo) GetPolicyTx(ctx context.Context, tx *sql.Tx, id string) (domain.Policy, error) {
	return r.scanPolicy(ctx, tx, `SELECT `+policyColumns+` FROM policies WHERE id=?`, id)
}

func (r Repo) listPolicyStakeholders(ctx context.Context, policyID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM policy_stakeholders WHERE policy_id=? ORDER BY user_id`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type PolicyFilters struct {
	ParentPolicyID string
	ParentForumID  string
	RootsOnly      bool
	Limit          int
}

func (r Repo) ListPolicies(ctx context.Context, f PolicyFilters) ([]domain.Policy, error) {
	var clauses []string
	var args []any
	if f.ParentPolicyID != "" {
		clauses = append(clauses, "parent_policy_id=?")
		args = append(args, f.ParentPolicyID)
	}
	if f.ParentForumID != "" {
		clauses = append(clauses, "parent_forum_id=?")
		args = append(args, f.ParentForumID)
	}
	if f.RootsOnly {
		clauses = append(clauses, "parent_policy_id IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + policyColumns + ` FROM policies ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		var parentPolicy, parentForum, rulesJSON, permsJSON sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &parentPolicy, &parentForum, &rulesJSON, &permsJSON, &p.CreatedBy, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		if parentPolicy.Valid {
			p.ParentPolicyID = &parentPolicy.String
		}
		if parentForum.Valid {
			p.ParentForumID = &parentForum.String
		}
		if rulesJSON.Valid && rulesJSON.String != "" {
			_ = json.Unmarshal([]byte(rulesJSON.String), &p.Rules)
		}
		if permsJSON.Valid && permsJSON.String != "" {
			_ = json.Unmarshal([]byte(permsJSON.String), &p.Permissions)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleRootPolicy(ctx context.Context) (domain.Policy, error) {
	items, err := r.ListPolicies(ctx, PolicyFilters{RootsOnly: true})
	if err != nil {
		return domain.Policy{}, err
	}
	if len(items) == 0 {
		return domain.Policy{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Policy{}, fmt.Errorf("multiple root policies exist; specify --policy")
	}
	return items[0], nil
}

func (r Repo) InsertForumTx(ctx context.Context, tx *sql.Tx, f domain.Forum) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO forums(id,name,policy_id,dynamically_expanded,version,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.Name, f.PolicyID, boolToInt(f.DynamicallyExpanded), f.Version, f.CreatedBy, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert forum: %w", err)
	}
	return nil
}

func (r Repo) getForum(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (domain.Forum, error) {
	var f domain.Forum
	var expanded int
	err := q.QueryRowContext(ctx, `SELECT id,name,policy_id,dynamically_expanded,version,created_by,created_at FROM forums WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &f.PolicyID, &expanded, &f.Version, &f.CreatedBy, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.DynamicallyExpanded = expanded != 0
	return f, nil
}

func (r Repo) GetForum(ctx context.Context, id string) (domain.Forum, error) {
	f, err := r.getForum(ctx, r.DB, id)
	if err != nil {
		return f, err
	}
	f.ConnectedPolicies, err = r.connectedPolicies(ctx, id)
	return f, err
}

func (r Repo) GetForumTx(ctx context.Context, tx *sql.Tx, id string) (domain.Forum, error) {
	return r.getForum(ctx, tx, id)
}

func (r Repo) connectedPolicies(ctx context.Context, forumID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT policy_id FROM forum_policies WHERE forum_id=? ORDER BY linked_at, policy_id`, forumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListForums(ctx context.Context, policyID string) ([]domain.Forum, error) {
	var clauses []string
	var args []any
	if policyID != "" {
		clauses = append(clauses, "policy_id=?")
		args = append(args, policyID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,policy_id,dynamically_expanded,version,created_by,created_at FROM forums `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Forum
	for rows.Next() {
		var f domain.Forum
		var expanded int
		if err := rows.Scan(&f.ID, &f.Name, &f.PolicyID, &expanded, &f.Version, &f.CreatedBy, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.DynamicallyExpanded = expanded != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) LinkForumPolicyTx(ctx context.Context, tx *sql.Tx, forumID, policyID, linkedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO forum_policies(forum_id, policy_id, linked_at) VALUES (?,?,?)`, forumID, policyID, linkedAt)
	return err
}

// MarkForumExpandedTx flips dynamically_expanded and bumps the version,
// guarded by the version the caller read. Zero rows affected means a
// concurrent writer won and the caller must retry from a fresh read.
func (r Repo) MarkForumExpandedTx(ctx context.Context, tx *sql.Tx, forumID string, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE forums SET dynamically_expanded=1, version=version+1 WHERE id=? AND version=?`, forumID, readVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) UpsertParticipantTx(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	permsJSON, err := marshalStrings(m.Permissions)
	if err != nil {
		return err
	}
	if permsJSON == nil {
		empty := "[]"
		permsJSON = &empty
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO forum_participants(forum_id,user_id,role,permissions_json,added_via_policy,joined_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(forum_id,user_id) DO UPDATE SET role=excluded.role, permissions_json=excluded.permissions_json`,
		m.ForumID, m.UserID, m.Role, *permsJSON, nullableStringPtr(m.AddedViaPolicy), m.JoinedAt)
	return err
}

func (r Repo) ListParticipants(ctx context.Context, forumID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT forum_id,user_id,role,permissions_json,added_via_policy,joined_at FROM forum_participants WHERE forum_id=? ORDER BY joined_at, user_id`, forumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		var permsJSON string
		var viaPolicy sql.NullString
		if err := rows.Scan(&m.ForumID, &m.UserID, &m.Role, &permsJSON, &viaPolicy, &m.JoinedAt); err != nil {
			return nil, err
		}
		if permsJSON != "" {
			if err := json.Unmarshal([]byte(permsJSON), &m.Permissions); err != nil {
				return nil, fmt.Errorf("membership permissions: %w", err)
			}
		}
		if viaPolicy.Valid {
			m.AddedViaPolicy = &viaPolicy.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListParticipantIDsTx(ctx context.Context, tx *sql.Tx, forumID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM forum_participants WHERE forum_id=?`, forumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) AppendExpansionTx(ctx context.Context, tx *sql.Tx, ev domain.ExpansionEvent) error {
	stakeholders, err := marshalStringsOrEmpty(ev.NewStakeholders)
	if err != nil {
		return err
	}
	services, err := marshalStringsOrEmpty(ev.NewServices)
	if err != nil {
		return err
	}
	policies, err := marshalStringsOrEmpty(ev.NewPolicies)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO expansion_events(forum_id,new_stakeholders_json,new_services_json,new_policies_json,triggered_by,rule_text,rule_fingerprint,ts)
VALUES (?,?,?,?,?,?,?,?)`,
		ev.ForumID, stakeholders, services, policies, ev.TriggeredBy, ev.RuleText, ev.RuleFingerprint, ev.TS)
	return err
}

func (r Repo) ListExpansionHistory(ctx context.Context, forumID string) ([]domain.ExpansionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,forum_id,new_stakeholders_json,new_services_json,new_policies_json,triggered_by,rule_text,rule_fingerprint,ts FROM expansion_events WHERE forum_id=? ORDER BY id ASC`, forumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExpansionEvent
	for rows.Next() {
		var ev domain.ExpansionEvent
		var stakeholders, services, policies string
		if err := rows.Scan(&ev.ID, &ev.ForumID, &stakeholders, &services, &policies, &ev.TriggeredBy, &ev.RuleText, &ev.RuleFingerprint, &ev.TS); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(stakeholders), &ev.NewStakeholders)
		_ = json.Unmarshal([]byte(services), &ev.NewServices)
		_ = json.Unmarshal([]byte(policies), &ev.NewPolicies)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStrings(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func marshalStringsOrEmpty(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalPermissions(in map[string][]string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
