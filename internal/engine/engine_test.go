package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"eleutherios/internal/config"
	"eleutherios/internal/db"
	"eleutherios/internal/engine"
	"eleutherios/internal/engine/auth"
	"eleutherios/internal/migrate"
	"eleutherios/internal/payments"
	"eleutherios/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Mock    *payments.Mock
	Ctx     context.Context
	Policy  string
	Forum   string
	Creator string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("inst-1")
	eng := engine.New(conn, cfg)
	mock := &payments.Mock{}
	eng.Payments = mock
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	policy, err := eng.CreatePolicy(ctx, engine.PolicyCreateOptions{
		Name:      "EmergencyHousing",
		CreatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	forum, err := eng.CreateForum(ctx, engine.ForumCreateOptions{
		Name:      "Housing coordination",
		PolicyID:  policy.ID,
		CreatedBy: "alice",
		Services:  []string{"Chat"},
	})
	if err != nil {
		t.Fatalf("create forum: %v", err)
	}
	return testEnv{Engine: eng, Mock: mock, Ctx: ctx, Policy: policy.ID, Forum: forum.ID, Creator: "alice"}
}

func TestPlainChatIsNeverExecuted(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, "I think we should add a rule to the housing policy")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.Message.Type != "chat" || res.Execution != nil {
		t.Fatalf("expected plain chat, got type=%s execution=%v", res.Message.Type, res.Execution)
	}
	forum, err := env.Engine.Repo.GetForum(env.Ctx, env.Forum)
	if err != nil {
		t.Fatal(err)
	}
	if forum.DynamicallyExpanded || forum.Version != 0 {
		t.Fatalf("chat must not expand the forum: %+v", forum)
	}
}

func TestTranscriptKeepsInsertionOrder(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, "checking in"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, `rule notify -> Service("Notify")`); err != nil {
		t.Fatal(err)
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ForumID: env.Forum})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("transcript = %d messages, want 3", len(msgs))
	}
	// the fixed clock gives every message the same second-resolution
	// timestamp; ordering must come from seq, newest first, with the
	// system summary after the rule that produced it
	if msgs[0].CreatedAt != msgs[1].CreatedAt || msgs[1].CreatedAt != msgs[2].CreatedAt {
		t.Fatalf("timestamps expected to collide: %s %s %s", msgs[0].CreatedAt, msgs[1].CreatedAt, msgs[2].CreatedAt)
	}
	if msgs[0].Type != "system" || msgs[1].Type != "rule" || msgs[2].Type != "chat" {
		t.Fatalf("order = [%s %s %s], want [system rule chat]", msgs[0].Type, msgs[1].Type, msgs[2].Type)
	}
	if !(msgs[0].Seq > msgs[1].Seq && msgs[1].Seq > msgs[2].Seq) {
		t.Fatalf("seq not descending: %d %d %d", msgs[0].Seq, msgs[1].Seq, msgs[2].Seq)
	}
}

func TestPolicyRuleExpandsForum(t *testing.T) {
	env := newTestEnv(t)
	ruleText := `rule AddHealthcare -> Policy("HealthcareAccess", stakeholders=["patient", "doctor"])`
	res, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, ruleText)
	if err != nil {
		t.Fatalf("post rule: %v", err)
	}
	if res.Message.Type != "rule" {
		t.Fatalf("message type = %s, want rule", res.Message.Type)
	}
	if res.Execution == nil || res.Execution.Kind != "policy" {
		t.Fatalf("expected policy execution, got %+v", res.Execution)
	}

	sub, err := env.Engine.Repo.GetPolicy(env.Ctx, res.Execution.PolicyID)
	if err != nil {
		t.Fatalf("get sub-policy: %v", err)
	}
	if sub.Name != "HealthcareAccess" {
		t.Fatalf("sub-policy name = %s", sub.Name)
	}
	if sub.ParentPolicyID == nil || *sub.ParentPolicyID != env.Policy {
		t.Fatalf("parent policy not linked: %+v", sub)
	}
	if sub.ParentForumID == nil || *sub.ParentForumID != env.Forum {
		t.Fatalf("parent forum not linked: %+v", sub)
	}

	forum, err := env.Engine.Repo.GetForum(env.Ctx, env.Forum)
	if err != nil {
		t.Fatal(err)
	}
	if !forum.DynamicallyExpanded || forum.Version != 1 {
		t.Fatalf("forum not marked expanded: %+v", forum)
	}
	if len(forum.ConnectedPolicies) != 1 || forum.ConnectedPolicies[0] != sub.ID {
		t.Fatalf("connected policies = %v", forum.ConnectedPolicies)
	}

	members, err := env.Engine.Repo.ListParticipants(env.Ctx, env.Forum)
	if err != nil {
		t.Fatal(err)
	}
	byUser := map[string]string{}
	for _, m := range members {
		via := ""
		if m.AddedViaPolicy != nil {
			via = *m.AddedViaPolicy
		}
		byUser[m.UserID] = via
	}
	if byUser["patient"] != sub.ID || byUser["doctor"] != sub.ID {
		t.Fatalf("new stakeholders not tagged with policy: %v", byUser)
	}

	history, err := env.Engine.Repo.ListExpansionHistory(env.Ctx, env.Forum)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expansion history = %d entries", len(history))
	}
	if history[0].RuleText != ruleText || history[0].RuleFingerprint == "" {
		t.Fatalf("expansion record incomplete: %+v", history[0])
	}

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ForumID: env.Forum})
	if err != nil {
		t.Fatal(err)
	}
	var haveRule, haveSystem bool
	for _, m := range msgs {
		if m.Type == "rule" {
			haveRule = true
		}
		if m.Type == "system" {
			haveSystem = true
		}
	}
	if !haveRule || !haveSystem {
		t.Fatalf("transcript missing rule or system message: %+v", msgs)
	}
}

func TestUnauthorizedRuleLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	// bob can chat but lacks the post capability
	if _, err := env.Engine.AddParticipant(env.Ctx, env.Forum, "bob", "stakeholder", nil); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, "bob", `rule grab -> Policy("Backdoor")`)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Capability != "post" {
		t.Fatalf("expected forbidden(post), got %v", err)
	}

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ForumID: env.Forum})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected rule must not reach the transcript: %+v", msgs)
	}
	subs, err := env.Engine.Repo.ListPolicies(env.Ctx, repo.PolicyFilters{ParentForumID: env.Forum})
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Fatalf("rejected rule created policies: %+v", subs)
	}
	forum, _ := env.Engine.Repo.GetForum(env.Ctx, env.Forum)
	if forum.DynamicallyExpanded || forum.Version != 0 {
		t.Fatalf("rejected rule mutated the forum: %+v", forum)
	}
}

func TestNonParticipantCannotPost(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, "stranger", "hello")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestMalformedRuleFallsBackToChat(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, `rule broken -> Policy(`)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.Message.Type != "chat" || len(res.ParseErrors) == 0 {
		t.Fatalf("malformed rule should be stored as chat with parse errors: %+v", res)
	}
	forum, _ := env.Engine.Repo.GetForum(env.Ctx, env.Forum)
	if forum.DynamicallyExpanded {
		t.Fatalf("malformed rule expanded the forum")
	}
}

func TestDuplicateRuleExecutesTwice(t *testing.T) {
	env := newTestEnv(t)
	ruleText := `rule AddHealthcare -> Policy("HealthcareAccess", stakeholders=["patient"])`
	first, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, ruleText)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, ruleText)
	if err != nil {
		t.Fatal(err)
	}
	if first.Execution.PolicyID == second.Execution.PolicyID {
		t.Fatalf("each execution must create its own policy")
	}
	history, err := env.Engine.Repo.ListExpansionHistory(env.Ctx, env.Forum)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expansion history = %d entries, want 2", len(history))
	}
	// identical statements from the same actor share a fingerprint
	if history[0].RuleFingerprint != history[1].RuleFingerprint {
		t.Fatalf("fingerprints differ for identical rule")
	}
	forum, _ := env.Engine.Repo.GetForum(env.Ctx, env.Forum)
	if forum.Version != 2 {
		t.Fatalf("forum version = %d, want 2", forum.Version)
	}
}

func TestServiceTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, `rule notify -> Service("Notify")`); err != nil {
		t.Fatalf("activate: %v", err)
	}
	s, err := env.Engine.CompleteService(env.Ctx, env.Forum, "Notify", env.Creator)
	if err != nil || s.Status != "completed" {
		t.Fatalf("complete: %v status=%s", err, s.Status)
	}
	_, err = env.Engine.FailService(env.Ctx, env.Forum, "Notify", env.Creator)
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExpansionVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.MarkForumExpandedTx(env.Ctx, tx, env.Forum, 0); err != nil {
		t.Fatalf("first expansion: %v", err)
	}
	// the second writer still holds the version it read before the first
	err = env.Engine.Repo.MarkForumExpandedTx(env.Ctx, tx, env.Forum, 0)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
