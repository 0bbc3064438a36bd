package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"eleutherios/internal/domain"
	"eleutherios/internal/eleuscript"
	"eleutherios/internal/events"
	"eleutherios/internal/payments"
	"eleutherios/internal/repo"
)

// UnknownServiceError indicates a service name absent from the catalog.
type UnknownServiceError struct {
	Name string
}

func (e UnknownServiceError) Error() string {
	return fmt.Sprintf("service %q is not in the catalog", e.Name)
}

// ExecutionResult describes the governance mutation a rule performed.
type ExecutionResult struct {
	Kind            string `json:"kind" enum:"policy,service,forum"`
	RuleName        string `json:"rule_name"`
	Fingerprint     string `json:"fingerprint"`
	PolicyID        string `json:"policy_id,omitempty"`
	ForumID         string `json:"forum_id,omitempty"`
	NewStakeholders []string              `json:"new_stakeholders,omitempty"`
	Service         *domain.ServiceStatus `json:"service,omitempty"`
	PaymentIntent   *domain.PaymentIntent `json:"payment_intent,omitempty"`
	Summary         string                `json:"summary"`
}

// Fingerprint identifies one rule execution attempt: same actor, same
// forum, same statement modulo whitespace. It is recorded on the
// expansion trail; duplicates are not rejected.
func Fingerprint(forumID, actorID, ruleText string) string {
	normalized := strings.Join(strings.Fields(ruleText), " ")
	sum := sha256.Sum256([]byte(forumID + "|" + actorID + "|" + normalized))
	return hex.EncodeToString(sum[:])
}

// executeRuleTx runs a parsed rule inside the caller's transaction.
// The actor needs the post capability in the forum; without it nothing
// is written.
func (e Engine) executeRuleTx(ctx context.Context, tx *sql.Tx, forum domain.Forum, rule eleuscript.Rule, actorID, ruleText string) (ExecutionResult, error) {
	if err := e.Auth.RequireCapability(ctx, tx, forum.ID, actorID, "post"); err != nil {
		return ExecutionResult{}, err
	}
	switch r := rule.(type) {
	case eleuscript.PolicyRule:
		return e.executePolicyRuleTx(ctx, tx, forum, r, actorID, ruleText)
	case eleuscript.ServiceRule:
		return e.executeServiceRuleTx(ctx, tx, forum, r, actorID, ruleText)
	case eleuscript.ForumRule:
		return e.executeForumRuleTx(ctx, tx, forum, r, actorID, ruleText)
	default:
		return ExecutionResult{}, fmt.Errorf("unsupported rule target %T", rule)
	}
}

// executePolicyRuleTx creates a sub-policy under the forum's governing
// policy, links it to the forum, joins the rule's stakeholders, and
// records the expansion. The forum row carries an optimistic version;
// a concurrent expansion surfaces as repo.ErrVersionConflict and rolls
// the whole transaction back.
func (e Engine) executePolicyRuleTx(ctx context.Context, tx *sql.Tx, forum domain.Forum, rule eleuscript.PolicyRule, actorID, ruleText string) (ExecutionResult, error) {
	if rule.PolicyName == "" {
		return ExecutionResult{}, errors.New("policy rule needs a policy name")
	}
	now := e.nowRFC()
	existing, err := e.Repo.ListParticipantIDsTx(ctx, tx, forum.ID)
	if err != nil {
		return ExecutionResult{}, err
	}
	member := make(map[string]bool, len(existing))
	for _, id := range existing {
		member[id] = true
	}

	var newStakeholders []string
	for _, userID := range rule.Stakeholders {
		if !member[userID] {
			newStakeholders = append(newStakeholders, userID)
		}
	}

	permissions := make(map[string][]string, len(rule.Stakeholders))
	for _, userID := range rule.Stakeholders {
		if caps, ok := rule.Permissions[userID]; ok && len(caps) > 0 {
			permissions[userID] = caps
		} else {
			permissions[userID] = e.stakeholderCapabilities()
		}
	}

	sub := domain.Policy{
		ID:             uuid.NewString(),
		Name:           rule.PolicyName,
		ParentPolicyID: &forum.PolicyID,
		ParentForumID:  &forum.ID,
		Rules:          []string{ruleText},
		Stakeholders:   append(append([]string(nil), existing...), newStakeholders...),
		Permissions:    permissions,
		CreatedBy:      actorID,
		Status:         "active",
		CreatedAt:      now,
	}
	if err := e.Repo.InsertPolicyTx(ctx, tx, sub); err != nil {
		return ExecutionResult{}, err
	}
	if err := e.Repo.LinkForumPolicyTx(ctx, tx, forum.ID, sub.ID, now); err != nil {
		return ExecutionResult{}, err
	}
	for _, userID := range newStakeholders {
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return ExecutionResult{}, err
		}
		if err := e.Repo.UpsertParticipantTx(ctx, tx, domain.Membership{
			ForumID:        forum.ID,
			UserID:         userID,
			Role:           "stakeholder",
			Permissions:    permissions[userID],
			AddedViaPolicy: &sub.ID,
			JoinedAt:       now,
		}); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := e.Repo.MarkForumExpandedTx(ctx, tx, forum.ID, forum.Version); err != nil {
		return ExecutionResult{}, err
	}
	fp := Fingerprint(forum.ID, actorID, ruleText)
	if err := e.Repo.AppendExpansionTx(ctx, tx, domain.ExpansionEvent{
		ForumID:         forum.ID,
		NewStakeholders: newStakeholders,
		NewPolicies:     []string{sub.ID},
		TriggeredBy:     actorID,
		RuleText:        ruleText,
		RuleFingerprint: fp,
		TS:              now,
	}); err != nil {
		return ExecutionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "policy.expand", forum.ID, "policy", sub.ID, actorID, events.EventPayload{
		"policy_name":      sub.Name,
		"parent_policy":    forum.PolicyID,
		"new_stakeholders": newStakeholders,
	}); err != nil {
		return ExecutionResult{}, err
	}
	summary := fmt.Sprintf("Policy %q created under this forum", sub.Name)
	if len(newStakeholders) > 0 {
		summary += fmt.Sprintf("; %s joined", strings.Join(newStakeholders, ", "))
	}
	return ExecutionResult{
		Kind:            "policy",
		RuleName:        rule.Name,
		Fingerprint:     fp,
		PolicyID:        sub.ID,
		NewStakeholders: newStakeholders,
		Summary:         summary,
	}, nil
}

// executeServiceRuleTx activates a catalog service in the forum. For
// payment-capable services the payment contract is validated and an
// intent created before any row changes.
func (e Engine) executeServiceRuleTx(ctx context.Context, tx *sql.Tx, forum domain.Forum, rule eleuscript.ServiceRule, actorID, ruleText string) (ExecutionResult, error) {
	name := rule.ServiceName
	if name == "" {
		return ExecutionResult{}, errors.New("service rule needs a service name")
	}
	if !e.catalogHas(name) {
		return ExecutionResult{}, UnknownServiceError{Name: name}
	}
	current, err := e.Repo.GetServiceStatusTx(ctx, tx, forum.ID, name)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ExecutionResult{}, err
	}
	if err == nil && !transitionAllowed(current.Status, "activated") {
		return ExecutionResult{}, InvalidTransitionError{From: current.Status, To: "activated"}
	}
	now := e.nowRFC()

	var intent *domain.PaymentIntent
	var metadata *string
	if e.Config != nil && e.Config.PaymentCapable(name) {
		amount, _ := rule.Amount()
		currency := rule.StringParam("currency")
		if currency == "" && len(e.Config.Payments.Currencies) > 0 {
			currency = e.Config.Payments.Currencies[0]
		}
		req := payments.IntentRequest{
			Amount:   amount,
			Currency: currency,
			PayerID:  rule.StringParam("payerId"),
			PayeeID:  rule.StringParam("payeeId"),
		}
		limits := payments.Limits{
			Min: e.Config.Payments.MinAmount,
			Max: e.Config.Payments.MaxAmount,
		}
		if err := payments.Validate(req, limits, e.Config.CurrencyAllowed); err != nil {
			return ExecutionResult{}, err
		}
		created, err := e.Payments.CreateIntent(ctx, req)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("create payment intent: %w", err)
		}
		pi := domain.PaymentIntent{
			ID:          created.ID,
			ForumID:     forum.ID,
			ServiceName: name,
			Amount:      req.Amount,
			Currency:    req.Currency,
			PayerID:     req.PayerID,
			PayeeID:     req.PayeeID,
			Status:      created.Status,
			CreatedAt:   created.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertPaymentIntentTx(ctx, tx, pi); err != nil {
			return ExecutionResult{}, err
		}
		intent = &pi
		meta, err := json.Marshal(map[string]any{
			"payment_intent_id": pi.ID,
			"payment_status":    pi.Status,
		})
		if err != nil {
			return ExecutionResult{}, err
		}
		metaStr := string(meta)
		metadata = &metaStr
	}

	params, err := json.Marshal(rule.Parameters)
	if err != nil {
		return ExecutionResult{}, err
	}
	paramsStr := string(params)
	status := domain.ServiceStatus{
		ForumID:        forum.ID,
		ServiceName:    name,
		Status:         "activated",
		ActivatedBy:    &actorID,
		ActivatedAt:    &now,
		ParametersJSON: &paramsStr,
		MetadataJSON:   metadata,
		UpdatedAt:      now,
	}
	if current.AddedViaPolicy != nil {
		status.AddedViaPolicy = current.AddedViaPolicy
	}
	if err := e.Repo.UpsertServiceStatusTx(ctx, tx, status); err != nil {
		return ExecutionResult{}, err
	}
	if err := e.Repo.MarkForumExpandedTx(ctx, tx, forum.ID, forum.Version); err != nil {
		return ExecutionResult{}, err
	}
	fp := Fingerprint(forum.ID, actorID, ruleText)
	if err := e.Repo.AppendExpansionTx(ctx, tx, domain.ExpansionEvent{
		ForumID:         forum.ID,
		NewServices:     []string{name},
		TriggeredBy:     actorID,
		RuleText:        ruleText,
		RuleFingerprint: fp,
		TS:              now,
	}); err != nil {
		return ExecutionResult{}, err
	}
	payload := events.EventPayload{"service": name}
	if intent != nil {
		payload["payment_intent_id"] = intent.ID
	}
	if err := e.Events.Append(ctx, tx, "service.activate", forum.ID, "service", name, actorID, payload); err != nil {
		return ExecutionResult{}, err
	}
	summary := fmt.Sprintf("Service %q activated", name)
	if intent != nil {
		summary += fmt.Sprintf(" with payment intent %s (%.2f %s)", intent.ID, intent.Amount, intent.Currency)
	}
	return ExecutionResult{
		Kind:          "service",
		RuleName:      rule.Name,
		Fingerprint:   fp,
		Service:       &status,
		PaymentIntent: intent,
		Summary:       summary,
	}, nil
}

// executeForumRuleTx spawns a sibling forum under the same governing
// policy. The originating forum is untouched; only the spawn is logged.
func (e Engine) executeForumRuleTx(ctx context.Context, tx *sql.Tx, forum domain.Forum, rule eleuscript.ForumRule, actorID, ruleText string) (ExecutionResult, error) {
	if rule.ForumName == "" {
		return ExecutionResult{}, errors.New("forum rule needs a forum name")
	}
	for _, name := range rule.DefaultServices {
		if !e.catalogHas(name) {
			return ExecutionResult{}, UnknownServiceError{Name: name}
		}
	}
	now := e.nowRFC()
	spawned := domain.Forum{
		ID:        uuid.NewString(),
		Name:      rule.ForumName,
		PolicyID:  forum.PolicyID,
		Version:   0,
		CreatedBy: actorID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertForumTx(ctx, tx, spawned); err != nil {
		return ExecutionResult{}, err
	}
	if err := e.Repo.UpsertParticipantTx(ctx, tx, domain.Membership{
		ForumID:     spawned.ID,
		UserID:      actorID,
		Role:        "owner",
		Permissions: e.creatorCapabilities(),
		JoinedAt:    now,
	}); err != nil {
		return ExecutionResult{}, err
	}
	for _, userID := range rule.Stakeholders {
		if userID == actorID {
			continue
		}
		if err := e.Auth.EnsureUser(ctx, tx, userID); err != nil {
			return ExecutionResult{}, err
		}
		if err := e.Repo.UpsertParticipantTx(ctx, tx, domain.Membership{
			ForumID:     spawned.ID,
			UserID:      userID,
			Role:        "stakeholder",
			Permissions: e.stakeholderCapabilities(),
			JoinedAt:    now,
		}); err != nil {
			return ExecutionResult{}, err
		}
	}
	for _, name := range rule.DefaultServices {
		if err := e.Repo.UpsertServiceStatusTx(ctx, tx, domain.ServiceStatus{
			ForumID:     spawned.ID,
			ServiceName: name,
			Status:      "available",
			UpdatedAt:   now,
		}); err != nil {
			return ExecutionResult{}, err
		}
	}
	fp := Fingerprint(forum.ID, actorID, ruleText)
	if err := e.Events.Append(ctx, tx, "forum.spawn", forum.ID, "forum", spawned.ID, actorID, events.EventPayload{
		"forum_name": spawned.Name,
		"policy_id":  spawned.PolicyID,
		"services":   rule.DefaultServices,
	}); err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{
		Kind:        "forum",
		RuleName:    rule.Name,
		Fingerprint: fp,
		ForumID:     spawned.ID,
		Summary:     fmt.Sprintf("Forum %q created under policy %s", spawned.Name, spawned.PolicyID),
	}, nil
}
