package eleuscript_test

import (
	"errors"
	"testing"

	"eleutherios/internal/eleuscript"
)

func TestDetectRequiresAllThreeMarkers(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"hello there", false},
		{"the new rule is strict", false},
		{"rule Add -> nothing here", false},
		{"Policy(\"x\") without keyword ->", false},
		{"rule AddHealthcare -> Policy(\"HealthcareAccess\")", true},
		{"rule Pay → Service(\"StripePayment\")", true},
		{"rule Spawn -> Forum(\"Coordination\")", true},
	}
	for _, c := range cases {
		if got := eleuscript.Detect(c.text); got != c.want {
			t.Errorf("Detect(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestParsePolicyRule(t *testing.T) {
	r, err := eleuscript.Parse(`rule AddHealthcare -> Policy("HealthcareAccess", stakeholders=["Patient","Doctor"])`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pr, ok := r.(eleuscript.PolicyRule)
	if !ok {
		t.Fatalf("expected PolicyRule, got %T", r)
	}
	if pr.RuleName() != "AddHealthcare" {
		t.Errorf("rule name %q", pr.RuleName())
	}
	if pr.TargetName() != "HealthcareAccess" {
		t.Errorf("target name %q", pr.TargetName())
	}
	if len(pr.Stakeholders) != 2 || pr.Stakeholders[0] != "Patient" || pr.Stakeholders[1] != "Doctor" {
		t.Errorf("stakeholders %v", pr.Stakeholders)
	}
}

func TestParseUnicodeArrow(t *testing.T) {
	r, err := eleuscript.Parse(`rule Spawn → Forum("Housing Coordination", stakeholders=["CaseWorker"], defaultServices=["Chat"])`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fr, ok := r.(eleuscript.ForumRule)
	if !ok {
		t.Fatalf("expected ForumRule, got %T", r)
	}
	if fr.ForumName != "Housing Coordination" {
		t.Errorf("forum name %q", fr.ForumName)
	}
	if len(fr.DefaultServices) != 1 || fr.DefaultServices[0] != "Chat" {
		t.Errorf("default services %v", fr.DefaultServices)
	}
}

func TestParameterTypeCoercion(t *testing.T) {
	r, err := eleuscript.Parse(`rule Setup -> Service("Notify", limit=5, label="weekly report", urgent=true)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	params := r.Params()
	if n, ok := params["limit"].(float64); !ok || n != 5 {
		t.Errorf("limit = %#v, want float64 5", params["limit"])
	}
	if s, ok := params["label"].(string); !ok || s != "weekly report" {
		t.Errorf("label = %#v", params["label"])
	}
	if b, ok := params["urgent"].(bool); !ok || !b {
		t.Errorf("urgent = %#v", params["urgent"])
	}
}

func TestPaymentDialect(t *testing.T) {
	r, err := eleuscript.Parse(`rule Pay -> Service("StripePayment", amount: $1,250.50, currency: "NZD", payerId=A, payeeId=B)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sr, ok := r.(eleuscript.ServiceRule)
	if !ok {
		t.Fatalf("expected ServiceRule, got %T", r)
	}
	amount, present := sr.Amount()
	if !present || amount != 1250.50 {
		t.Errorf("amount = %v (present=%v), want 1250.50", amount, present)
	}
	if sr.StringParam("payerId") != "A" || sr.StringParam("payeeId") != "B" {
		t.Errorf("payer/payee %q %q", sr.StringParam("payerId"), sr.StringParam("payeeId"))
	}
}

func TestAmountFollowedByMoreParameters(t *testing.T) {
	// the comma after the amount delimits the next parameter; it must
	// not be swallowed into the currency literal
	r, err := eleuscript.Parse(`rule Pay -> Service("StripePayment", amount=$5.00, payerId=A, payeeId=B)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sr := r.(eleuscript.ServiceRule)
	amount, present := sr.Amount()
	if !present || amount != 5 {
		t.Errorf("amount = %v (present=%v), want 5", amount, present)
	}
	if sr.StringParam("payerId") != "A" || sr.StringParam("payeeId") != "B" {
		t.Errorf("payer/payee %q %q", sr.StringParam("payerId"), sr.StringParam("payeeId"))
	}
}

func TestMalformedAmountParsesToZero(t *testing.T) {
	if got := eleuscript.ParseAmount("$abc"); got != 0 {
		t.Errorf("ParseAmount($abc) = %v, want 0", got)
	}
	if got := eleuscript.ParseAmount("$5.00"); got != 5 {
		t.Errorf("ParseAmount($5.00) = %v", got)
	}
}

func TestNestedPermissionsObject(t *testing.T) {
	r, err := eleuscript.Parse(`rule Grant -> Policy("Payments", permissions={Doctor: ["join","message"], Patient: ["join"]})`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pr := r.(eleuscript.PolicyRule)
	if caps := pr.Permissions["Doctor"]; len(caps) != 2 || caps[0] != "join" || caps[1] != "message" {
		t.Errorf("doctor caps %v", caps)
	}
	if caps := pr.Permissions["Patient"]; len(caps) != 1 || caps[0] != "join" {
		t.Errorf("patient caps %v", caps)
	}
}

func TestParseFailures(t *testing.T) {
	cases := []string{
		`rule Broken Policy("x")`,                // missing arrow
		`rule Broken -> Widget("x")`,             // unknown target
		`rule Broken -> Policy(HealthcareAccess)`, // unquoted name
		`rule Broken -> Policy("x"`,              // unbalanced parens
		`rule -> Policy("x")`,                    // missing rule name
		`rule Broken -> Policy("x", = 5)`,        // missing key
	}
	for _, text := range cases {
		_, err := eleuscript.Parse(text)
		if err == nil {
			t.Errorf("Parse(%q) succeeded, want error", text)
			continue
		}
		var pe *eleuscript.ParseError
		if !errors.As(err, &pe) {
			t.Errorf("Parse(%q) error type %T", text, err)
			continue
		}
		if len(pe.Errors) == 0 {
			t.Errorf("Parse(%q) returned empty error list", text)
		}
	}
}
