package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMoneyFromDecimal(t *testing.T) {
	cases := []struct {
		in  string
		out int64
		ok  bool
	}{
		{"1", 100, true},
		{"12.34", 1234, true},
		{"0.01", 1, true},
		{"12.345", 1235, true}, // half-up rounding
		{"12.344", 1234, true},
		{"0.1", 10, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"0.004", 0, false},
		{"100000000000000000000", 0, false},
	}
	for _, tc := range cases {
		got, err := MoneyFromDecimal(decimal.RequireFromString(tc.in))
		if tc.ok {
			if err != nil || got.Cents != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got.Cents, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error, got %d", tc.in, got.Cents)
		}
	}
}

func TestMoneyFromDecimalRejectsHugeRepresentations(t *testing.T) {
	cases := []string{
		"1e2000000000",
		"1e-2000000000",
		"1e19",
		"1e-19",
		"1" + strings.Repeat("0", 60000),
	}
	for _, in := range cases {
		start := time.Now()
		_, err := MoneyFromDecimal(decimal.RequireFromString(in))
		if !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("%.20s... expected ErrAmountOutOfRange, got %v", in, err)
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Errorf("%.20s... took %v", in, elapsed)
		}
	}

	m, err := MoneyFromDecimal(decimal.RequireFromString("1e15"))
	if err != nil || m.Cents != 100000000000000000 {
		t.Fatalf("1e15 = %d, %v", m.Cents, err)
	}
}

func TestMoneyRoundTrip(t *testing.T) {
	m, err := MoneyFromDecimal(decimal.RequireFromString("12.34"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Cents != 1234 {
		t.Fatalf("expected 1234 cents, got %d", m.Cents)
	}
	if !m.Decimal().Equal(decimal.RequireFromString("12.34")) {
		t.Fatalf("round trip drifted: %s", m.Decimal())
	}
	if m.String() != "12.34" {
		t.Fatalf("unexpected string %q", m.String())
	}
	if got := (Money{Cents: 5}).String(); got != "0.05" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestMoneyFromFloatInput(t *testing.T) {
	// 0.1+0.2 style drift must not reach storage.
	m, err := MoneyFromDecimal(decimal.NewFromFloat(19.99))
	if err != nil || m.Cents != 1999 {
		t.Fatalf("expected 1999, got %d (err=%v)", m.Cents, err)
	}
}
