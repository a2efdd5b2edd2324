package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
)

type addressForm struct {
	Name  string `json:"name" validate:"required,max=80"`
	Email string `json:"email" validate:"required,email"`
	State string `json:"state" validate:"required,usstate"`
	Zip   string `json:"zip" validate:"required,zipcode"`
}

type statusForm struct {
	Status  string `json:"status" validate:"orderstatus"`
	Payment string `json:"paymentStatus" validate:"omitempty,paymentstatus"`
}

func TestCustomRules(t *testing.T) {
	valid := addressForm{Name: "Ada", Email: "ada@example.com", State: "NY", Zip: "10001-1234"}
	if err := Struct(valid); err != nil {
		t.Fatalf("expected valid address, got %v", err)
	}

	invalid := addressForm{Name: "Ada", Email: "not-an-email", State: "New York", Zip: "1000"}
	err := Struct(invalid)
	details := Describe(err)
	if len(details) != 3 {
		t.Fatalf("expected three failures, got %+v", details)
	}
	fields := map[string]string{}
	for _, detail := range details {
		fields[detail.Field] = detail.Message
	}
	if !strings.Contains(fields["zip"], "ZIP") || !strings.Contains(fields["state"], "state") || fields["email"] == "" {
		t.Fatalf("unexpected messages %v", fields)
	}
	if !strings.Contains(Summary(err), "zip: ") {
		t.Fatalf("expected json field names in summary, got %q", Summary(err))
	}
}

func TestStatusRules(t *testing.T) {
	if err := Struct(statusForm{Status: "out for delivery"}); err != nil {
		t.Fatalf("expected normalized status to validate, got %v", err)
	}
	err := Struct(statusForm{Status: "lost", Payment: "refunded"})
	if len(Describe(err)) != 2 {
		t.Fatalf("expected two failures, got %v", err)
	}
}

func TestDescribeIgnoresOtherErrors(t *testing.T) {
	if Describe(errors.New("boom")) != nil {
		t.Fatalf("expected nil details for non-validation errors")
	}
	if Summary(errors.New("boom")) != "boom" || Summary(nil) != "" {
		t.Fatalf("unexpected summary fallback")
	}
	if err := Register(validator.New()); err != nil {
		t.Fatalf("register on fresh validator: %v", err)
	}
}
