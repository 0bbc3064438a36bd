package payments_test

import (
	"context"
	"errors"
	"testing"

	"eleutherios/internal/payments"
)

func nzdOnly(cur string) bool { return cur == "NZD" }

func TestValidateAcceptsInRangeRequest(t *testing.T) {
	req := payments.IntentRequest{Amount: 5.00, Currency: "NZD", PayerID: "a", PayeeID: "b"}
	if err := payments.Validate(req, payments.Limits{}, nzdOnly); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]payments.IntentRequest{
		"below minimum":    {Amount: 0.25, Currency: "NZD", PayerID: "a", PayeeID: "b"},
		"above maximum":    {Amount: 10000.01, Currency: "NZD", PayerID: "a", PayeeID: "b"},
		"zero amount":      {Amount: 0, Currency: "NZD", PayerID: "a", PayeeID: "b"},
		"payer is payee":   {Amount: 5, Currency: "NZD", PayerID: "a", PayeeID: "a"},
		"missing payer":    {Amount: 5, Currency: "NZD", PayeeID: "b"},
		"missing currency": {Amount: 5, PayerID: "a", PayeeID: "b"},
		"bad currency":     {Amount: 5, Currency: "XBT", PayerID: "a", PayeeID: "b"},
	}
	for name, req := range cases {
		err := payments.Validate(req, payments.Limits{}, nzdOnly)
		var verr payments.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestBoundaryAmountsAllowed(t *testing.T) {
	for _, amount := range []float64{payments.MinAmount, payments.MaxAmount} {
		req := payments.IntentRequest{Amount: amount, Currency: "NZD", PayerID: "a", PayeeID: "b"}
		if err := payments.Validate(req, payments.Limits{}, nzdOnly); err != nil {
			t.Errorf("amount %.2f: %v", amount, err)
		}
	}
}

func TestConfiguredLimitsOverrideDefaults(t *testing.T) {
	limits := payments.Limits{Min: 10, Max: 100}
	cases := map[string]struct {
		amount float64
		ok     bool
	}{
		"below configured minimum": {5, false},
		"at configured minimum":    {10, true},
		"at configured maximum":    {100, true},
		"above configured maximum": {250, false},
	}
	for name, c := range cases {
		req := payments.IntentRequest{Amount: c.amount, Currency: "NZD", PayerID: "a", PayeeID: "b"}
		err := payments.Validate(req, limits, nzdOnly)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestMockCreatesDistinctIntents(t *testing.T) {
	mock := &payments.Mock{}
	ctx := context.Background()
	req := payments.IntentRequest{Amount: 5, Currency: "NZD", PayerID: "a", PayeeID: "b"}
	first, err := mock.CreateIntent(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := mock.CreateIntent(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatalf("intent ids must be unique")
	}
	if first.Status != "requires_confirmation" {
		t.Fatalf("status = %s", first.Status)
	}
	if mock.Calls() != 2 {
		t.Fatalf("calls = %d", mock.Calls())
	}
}

func TestMockFailWith(t *testing.T) {
	sentinel := errors.New("provider down")
	mock := &payments.Mock{FailWith: sentinel}
	_, err := mock.CreateIntent(context.Background(), payments.IntentRequest{Amount: 5, Currency: "NZD", PayerID: "a", PayeeID: "b"})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if mock.Calls() != 0 {
		t.Fatalf("failed calls must not count")
	}
}
