package engine_test

import (
	"errors"
	"testing"

	"eleutherios/internal/engine"
	"eleutherios/internal/payments"
	"eleutherios/internal/repo"
)

func TestPaymentServiceActivation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddParticipant(env.Ctx, env.Forum, "bob", "stakeholder", nil); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator,
		`rule pay -> Service("StripePayment", amount: $5.00, currency: "NZD", payerId=alice, payeeId=bob)`)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.Execution == nil || res.Execution.Kind != "service" {
		t.Fatalf("expected service execution, got %+v", res.Execution)
	}
	if res.Execution.PaymentIntent == nil {
		t.Fatalf("expected a payment intent")
	}
	if env.Mock.Calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", env.Mock.Calls())
	}

	intents, err := env.Engine.Repo.ListPaymentIntents(env.Ctx, env.Forum)
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	pi := intents[0]
	if pi.Amount != 5.00 || pi.Currency != "NZD" || pi.PayerID != "alice" || pi.PayeeID != "bob" {
		t.Fatalf("intent fields wrong: %+v", pi)
	}
	if pi.Status != "requires_confirmation" {
		t.Fatalf("intent status = %s", pi.Status)
	}

	s, err := env.Engine.Repo.GetServiceStatus(env.Ctx, env.Forum, "StripePayment")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != "activated" || s.ActivatedBy == nil || *s.ActivatedBy != env.Creator {
		t.Fatalf("service status wrong: %+v", s)
	}
	if s.MetadataJSON == nil {
		t.Fatalf("service metadata should record the intent")
	}
}

func TestPaymentBelowMinimumIsRejectedWholesale(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator,
		`rule pay -> Service("StripePayment", amount: $0.25, payerId=alice, payeeId=bob)`)
	var verr payments.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if env.Mock.Calls() != 0 {
		t.Fatalf("provider must not be called on invalid input")
	}
	intents, _ := env.Engine.Repo.ListPaymentIntents(env.Ctx, env.Forum)
	if len(intents) != 0 {
		t.Fatalf("no intent rows expected: %+v", intents)
	}
	msgs, _ := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ForumID: env.Forum})
	if len(msgs) != 0 {
		t.Fatalf("failed rule must not reach the transcript: %+v", msgs)
	}
}

func TestInstancePaymentBoundsEnforced(t *testing.T) {
	env := newTestEnv(t)
	// tighten the instance bounds; $5.00 is fine under the defaults but
	// falls below this instance's minimum
	env.Engine.Config.Payments.MinAmount = 20
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator,
		`rule pay -> Service("StripePayment", amount: $5.00, payerId=alice, payeeId=bob)`)
	var verr payments.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if env.Mock.Calls() != 0 {
		t.Fatalf("provider must not be called below the configured minimum")
	}
}

func TestPaymentSelfPayRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator,
		`rule pay -> Service("StripePayment", amount: $5.00, payerId=alice, payeeId=alice)`)
	var verr payments.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if env.Mock.Calls() != 0 {
		t.Fatalf("provider must not be called when payer equals payee")
	}
}

func TestMalformedAmountFailsValidation(t *testing.T) {
	env := newTestEnv(t)
	// a currency literal with a broken mantissa parses to zero and is
	// caught by the minimum-amount check
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator,
		`rule pay -> Service("StripePayment", amount: $5..00, payerId=alice, payeeId=bob)`)
	var verr payments.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUnknownServiceRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator, `rule x -> Service("Teleport")`)
	var unknown engine.UnknownServiceError
	if !errors.As(err, &unknown) || unknown.Name != "Teleport" {
		t.Fatalf("expected unknown service error, got %v", err)
	}
}

func TestForumRuleSpawnsSiblingForum(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.PostMessage(env.Ctx, env.Forum, env.Creator,
		`rule escalate -> Forum("Urgent cases", stakeholders=["carol"], defaultServices=["Chat", "Notify"])`)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.Execution == nil || res.Execution.Kind != "forum" || res.Execution.ForumID == "" {
		t.Fatalf("expected forum execution, got %+v", res.Execution)
	}

	spawned, err := env.Engine.Repo.GetForum(env.Ctx, res.Execution.ForumID)
	if err != nil {
		t.Fatal(err)
	}
	if spawned.Name != "Urgent cases" || spawned.PolicyID != env.Policy {
		t.Fatalf("spawned forum wrong: %+v", spawned)
	}

	members, err := env.Engine.Repo.ListParticipants(env.Ctx, spawned.ID)
	if err != nil {
		t.Fatal(err)
	}
	roles := map[string]string{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	if roles[env.Creator] != "owner" || roles["carol"] != "stakeholder" {
		t.Fatalf("spawned forum membership wrong: %v", roles)
	}

	services, err := env.Engine.Repo.ListServiceStatus(env.Ctx, spawned.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 2 {
		t.Fatalf("services = %d, want 2", len(services))
	}
	for _, s := range services {
		if s.Status != "available" {
			t.Fatalf("seeded service %s status = %s", s.ServiceName, s.Status)
		}
	}

	// the originating forum does not change
	origin, _ := env.Engine.Repo.GetForum(env.Ctx, env.Forum)
	if origin.DynamicallyExpanded || origin.Version != 0 {
		t.Fatalf("originating forum mutated: %+v", origin)
	}
}

func TestFingerprintIgnoresWhitespace(t *testing.T) {
	a := engine.Fingerprint("f1", "alice", `rule x -> Policy("P")`)
	b := engine.Fingerprint("f1", "alice", "rule   x ->   Policy(\"P\")")
	if a != b {
		t.Fatalf("whitespace should not change the fingerprint")
	}
	c := engine.Fingerprint("f1", "bob", `rule x -> Policy("P")`)
	if a == c {
		t.Fatalf("different actors must not share a fingerprint")
	}
}
