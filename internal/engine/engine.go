package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eleutherios/internal/config"
	"eleutherios/internal/domain"
	"eleutherios/internal/eleuscript"
	"eleutherios/internal/engine/auth"
	"eleutherios/internal/events"
	"eleutherios/internal/payments"
	"eleutherios/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Payments payments.Provider
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Payments: &payments.Mock{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// PolicyCreateOptions are parameters for creating a root policy.
type PolicyCreateOptions struct {
	ID           string
	Name         string
	Description  string
	CreatedBy    string
	Stakeholders []string
	Permissions  map[string][]string
}

// CreatePolicy creates a top-level policy with its stakeholder roster.
func (e Engine) CreatePolicy(ctx context.Context, opts PolicyCreateOptions) (domain.Policy, error) {
	if opts.Name == "" {
		return domain.Policy{}, errors.New("policy name required")
	}
	if opts.CreatedBy == "" {
		return domain.Policy{}, errors.New("created_by required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Policy{}, err
	}
	defer tx.Rollback()

	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if err := e.Auth.EnsureUser(ctx, tx, opts.CreatedBy); err != nil {
		return domain.Policy{}, err
	}
	for _, userID := range opts.Stakeholders {
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return domain.Policy{}, err
		}
	}
	p := domain.Policy{
		ID:           opts.ID,
		Name:         opts.Name,
		Description:  opts.Description,
		Stakeholders: opts.Stakeholders,
		Permissions:  opts.Permissions,
		CreatedBy:    opts.CreatedBy,
		Status:       "active",
		CreatedAt:    e.nowRFC(),
	}
	if err := e.Repo.InsertPolicyTx(ctx, tx, p); err != nil {
		return domain.Policy{}, err
	}
	if err := e.Events.Append(ctx, tx, "policy.create", "", "policy", p.ID, opts.CreatedBy, events.EventPayload{
		"name":         p.Name,
		"stakeholders": len(p.Stakeholders),
	}); err != nil {
		return domain.Policy{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Policy{}, err
	}
	return p, nil
}

// ForumCreateOptions are parameters for creating a forum under a policy.
type ForumCreateOptions struct {
	ID        string
	Name      string
	PolicyID  string
	CreatedBy string
	// Services are seeded as available in the new forum. Each must be
	// present in the service catalog.
	Services []string
}

// CreateForum instantiates a discussion forum under a policy. The
// creator and every policy stakeholder become participants, and the
// requested services start out available.
func (e Engine) CreateForum(ctx context.Context, opts ForumCreateOptions) (domain.Forum, error) {
	if opts.Name == "" {
		return domain.Forum{}, errors.New("forum name required")
	}
	if opts.CreatedBy == "" {
		return domain.Forum{}, errors.New("created_by required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Forum{}, err
	}
	defer tx.Rollback()

	policy, err := e.Repo.GetPolicyTx(ctx, tx, opts.PolicyID)
	if err != nil {
		return domain.Forum{}, fmt.Errorf("policy %s: %w", opts.PolicyID, err)
	}
	for _, name := range opts.Services {
		if !e.catalogHas(name) {
			return domain.Forum{}, UnknownServiceError{Name: name}
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.nowRFC()
	f := domain.Forum{
		ID:        opts.ID,
		Name:      opts.Name,
		PolicyID:  policy.ID,
		Version:   0,
		CreatedBy: opts.CreatedBy,
		CreatedAt: now,
	}
	if err := e.Repo.InsertForumTx(ctx, tx, f); err != nil {
		return domain.Forum{}, err
	}
	if err := e.Auth.EnsureUser(ctx, tx, opts.CreatedBy); err != nil {
		return domain.Forum{}, err
	}
	if err := e.Repo.UpsertParticipantTx(ctx, tx, domain.Membership{
		ForumID:     f.ID,
		UserID:      opts.CreatedBy,
		Role:        "owner",
		Permissions: e.creatorCapabilities(),
		JoinedAt:    now,
	}); err != nil {
		return domain.Forum{}, err
	}
	stakeholders, err := e.policyStakeholdersTx(ctx, tx, policy.ID)
	if err != nil {
		return domain.Forum{}, err
	}
	for _, userID := range stakeholders {
		if userID == opts.CreatedBy {
			continue
		}
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return domain.Forum{}, err
		}
		if err := e.Repo.UpsertParticipantTx(ctx, tx, domain.Membership{
			ForumID:     f.ID,
			UserID:      userID,
			Role:        "stakeholder",
			Permissions: e.stakeholderCapabilities(),
			JoinedAt:    now,
		}); err != nil {
			return domain.Forum{}, err
		}
	}
	for _, name := range opts.Services {
		if err := e.Repo.UpsertServiceStatusTx(ctx, tx, domain.ServiceStatus{
			ForumID:     f.ID,
			ServiceName: name,
			Status:      "available",
			UpdatedAt:   now,
		}); err != nil {
			return domain.Forum{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "forum.create", f.ID, "forum", f.ID, opts.CreatedBy, events.EventPayload{
		"name":      f.Name,
		"policy_id": f.PolicyID,
		"services":  opts.Services,
	}); err != nil {
		return domain.Forum{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Forum{}, err
	}
	return f, nil
}

// AddParticipant joins a user to a forum. Permissions default to the
// configured stakeholder capabilities when none are given.
func (e Engine) AddParticipant(ctx context.Context, forumID, userID, role string, permissions []string) (domain.Membership, error) {
	if role == "" {
		role = "stakeholder"
	}
	if len(permissions) == 0 {
		if role == "owner" || role == "moderator" {
			permissions = e.creatorCapabilities()
		} else {
			permissions = e.stakeholderCapabilities()
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetForumTx(ctx, tx, forumID); err != nil {
		return domain.Membership{}, fmt.Errorf("forum %s: %w", forumID, err)
	}
	if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
		return domain.Membership{}, err
	}
	m := domain.Membership{
		ForumID:     forumID,
		UserID:      userID,
		Role:        role,
		Permissions: permissions,
		JoinedAt:    e.nowRFC(),
	}
	if err := e.Repo.UpsertParticipantTx(ctx, tx, m); err != nil {
		return domain.Membership{}, err
	}
	if err := e.Events.Append(ctx, tx, "forum.join", forumID, "membership", userID, userID, events.EventPayload{
		"role": role,
	}); err != nil {
		return domain.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, err
	}
	return m, nil
}

// PostResult reports what happened to a posted message. A plain chat
// message yields only Message; a recognized rule additionally yields
// Execution, and ParseErrors when the statement looked like a rule but
// did not parse.
type PostResult struct {
	Message     domain.Message
	Execution   *ExecutionResult
	ParseErrors []string
}

// PostMessage appends a message to a forum transcript. Messages that
// look like rule statements are parsed and executed inside the same
// transaction as the message itself, so a failed execution leaves no
// trace in the transcript or anywhere else.
func (e Engine) PostMessage(ctx context.Context, forumID, senderID, content string) (PostResult, error) {
	if content == "" {
		return PostResult{}, errors.New("content required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PostResult{}, err
	}
	defer tx.Rollback()

	forum, err := e.Repo.GetForumTx(ctx, tx, forumID)
	if err != nil {
		return PostResult{}, fmt.Errorf("forum %s: %w", forumID, err)
	}
	if err := e.Auth.RequireCapability(ctx, tx, forumID, senderID, "message"); err != nil {
		return PostResult{}, err
	}
	now := e.nowRFC()
	msg := domain.Message{
		ID:        uuid.NewString(),
		ForumID:   forumID,
		SenderID:  senderID,
		Content:   content,
		Type:      "chat",
		CreatedAt: now,
	}

	if !eleuscript.Detect(content) {
		if err := e.storeMessageTx(ctx, tx, &msg); err != nil {
			return PostResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return PostResult{}, err
		}
		return PostResult{Message: msg}, nil
	}

	rule, perr := eleuscript.Parse(content)
	if perr != nil {
		var pe *eleuscript.ParseError
		if !errors.As(perr, &pe) {
			return PostResult{}, perr
		}
		// A near-miss stays in the transcript as ordinary chat, with
		// the parse problems recorded for the UI.
		meta, err := json.Marshal(map[string]any{"parse_errors": pe.Errors})
		if err != nil {
			return PostResult{}, err
		}
		metaStr := string(meta)
		msg.MetadataJSON = &metaStr
		if err := e.storeMessageTx(ctx, tx, &msg); err != nil {
			return PostResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return PostResult{}, err
		}
		return PostResult{Message: msg, ParseErrors: pe.Errors}, nil
	}

	msg.Type = "rule"
	if err := e.storeMessageTx(ctx, tx, &msg); err != nil {
		return PostResult{}, err
	}
	res, err := e.executeRuleTx(ctx, tx, forum, rule, senderID, content)
	if err != nil {
		return PostResult{}, err
	}
	system := domain.Message{
		ID:        uuid.NewString(),
		ForumID:   forumID,
		SenderID:  "system",
		Content:   res.Summary,
		Type:      "system",
		CreatedAt: now,
	}
	if err := e.ensureSystemSenderTx(ctx, tx); err != nil {
		return PostResult{}, err
	}
	if err := e.storeMessageTx(ctx, tx, &system); err != nil {
		return PostResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PostResult{}, err
	}
	return PostResult{Message: msg, Execution: &res}, nil
}

// ExecuteRule parses and executes a rule statement against a forum
// without going through the transcript. The CLI uses this for dry
// scripted expansion; the transcript path is PostMessage.
func (e Engine) ExecuteRule(ctx context.Context, forumID, actorID, ruleText string) (ExecutionResult, error) {
	rule, err := eleuscript.Parse(ruleText)
	if err != nil {
		return ExecutionResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer tx.Rollback()

	forum, err := e.Repo.GetForumTx(ctx, tx, forumID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("forum %s: %w", forumID, err)
	}
	res, err := e.executeRuleTx(ctx, tx, forum, rule, actorID, ruleText)
	if err != nil {
		return ExecutionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecutionResult{}, err
	}
	return res, nil
}

var serviceTransitions = map[string][]string{
	"available": {"pending", "activated"},
	"pending":   {"activated", "failed"},
	"activated": {"completed", "failed"},
}

// InvalidTransitionError reports a service status change outside the
// allowed lifecycle.
type InvalidTransitionError struct {
	From, To string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("service cannot move from %s to %s", e.From, e.To)
}

func transitionAllowed(from, to string) bool {
	for _, next := range serviceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CompleteService marks an activated service as completed.
func (e Engine) CompleteService(ctx context.Context, forumID, serviceName, actorID string) (domain.ServiceStatus, error) {
	return e.transitionService(ctx, forumID, serviceName, actorID, "completed")
}

// FailService marks an activated service as failed.
func (e Engine) FailService(ctx context.Context, forumID, serviceName, actorID string) (domain.ServiceStatus, error) {
	return e.transitionService(ctx, forumID, serviceName, actorID, "failed")
}

func (e Engine) transitionService(ctx context.Context, forumID, serviceName, actorID, to string) (domain.ServiceStatus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ServiceStatus{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireCapability(ctx, tx, forumID, actorID, "post"); err != nil {
		return domain.ServiceStatus{}, err
	}
	s, err := e.Repo.GetServiceStatusTx(ctx, tx, forumID, serviceName)
	if err != nil {
		return domain.ServiceStatus{}, err
	}
	if !transitionAllowed(s.Status, to) {
		return domain.ServiceStatus{}, InvalidTransitionError{From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpsertServiceStatusTx(ctx, tx, s); err != nil {
		return domain.ServiceStatus{}, err
	}
	if err := e.Events.Append(ctx, tx, "service."+to, forumID, "service", serviceName, actorID, events.EventPayload{
		"service": serviceName,
	}); err != nil {
		return domain.ServiceStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceStatus{}, err
	}
	return s, nil
}

func (e Engine) storeMessageTx(ctx context.Context, tx *sql.Tx, m *domain.Message) error {
	seq, err := e.Repo.InsertMessageTx(ctx, tx, *m)
	if err != nil {
		return err
	}
	m.Seq = seq
	return e.Events.Append(ctx, tx, "message.post", m.ForumID, "message", m.ID, m.SenderID, events.EventPayload{
		"type": m.Type,
	})
}

func (e Engine) ensureSystemSenderTx(ctx context.Context, tx *sql.Tx) error {
	return e.Auth.EnsureUser(ctx, tx, "system")
}

func (e Engine) policyStakeholdersTx(ctx context.Context, tx *sql.Tx, policyID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM policy_stakeholders WHERE policy_id=? ORDER BY user_id`, policyID)
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

func (e Engine) catalogHas(serviceName string) bool {
	if e.Config == nil {
		return true
	}
	_, ok := e.Config.Services.Catalog[serviceName]
	return ok
}

func (e Engine) creatorCapabilities() []string {
	if e.Config != nil && len(e.Config.Defaults.CreatorCapabilities) > 0 {
		return append([]string(nil), e.Config.Defaults.CreatorCapabilities...)
	}
	return []string{"join", "message", "post", "moderate"}
}

func (e Engine) stakeholderCapabilities() []string {
	if e.Config != nil && len(e.Config.Defaults.StakeholderCapabilities) > 0 {
		return append([]string(nil), e.Config.Defaults.StakeholderCapabilities...)
	}
	return []string{"join", "message"}
}
