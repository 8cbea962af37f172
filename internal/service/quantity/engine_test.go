package quantity

import (
	"testing"

	"shopcart/internal/domain"
)

func TestEvaluate(t *testing.T) {
	engine := NewEngine()
	cases := []struct {
		name      string
		desired   int
		available int
		allowed   bool
		reason    string
	}{
		{"within stock", 2, 5, true, ""},
		{"exactly stock", 5, 5, true, ""},
		{"over stock", 6, 5, false, DenyOutOfStock},
		{"empty stock", 1, 0, false, DenyOutOfStock},
		{"zero amount", 0, 5, false, DenyAmountNotPositive},
		{"negative amount", -3, 5, false, DenyAmountNotPositive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := engine.Evaluate(domain.QuantityInput{ProductID: 1, Desired: tc.desired, Available: tc.available})
			if d.Allowed != tc.allowed || d.DenyReason != tc.reason {
				t.Fatalf("got %+v, want allowed=%v reason=%q", d, tc.allowed, tc.reason)
			}
		})
	}
}
