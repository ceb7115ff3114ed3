package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundDownToStep(t *testing.T) {
	cases := []struct {
		amount, step, want string
	}{
		{"0.1234", "0.001", "0.123"},
		{"0.1", "0.001", "0.1"},
		{"0.0009", "0.001", "0"},
		{"5", "1", "5"},
		{"0.1234", "0", "0.1234"},  // no step configured
		{"0.1234", "-1", "0.1234"}, // nonsense step ignored
	}
	for _, tc := range cases {
		amount := decimal.RequireFromString(tc.amount)
		step := decimal.RequireFromString(tc.step)
		want := decimal.RequireFromString(tc.want)
		if got := RoundDownToStep(amount, step); !got.Equal(want) {
			t.Errorf("RoundDownToStep(%s, %s) = %s, want %s", tc.amount, tc.step, got, tc.want)
		}
	}
}

func TestMinDecimal(t *testing.T) {
	a := decimal.NewFromFloat(0.1)
	b := decimal.NewFromFloat(0.2)
	if got := MinDecimal(a, b); !got.Equal(a) {
		t.Errorf("MinDecimal = %s, want %s", got, a)
	}
	if got := MinDecimal(b, a); !got.Equal(a) {
		t.Errorf("MinDecimal = %s, want %s", got, a)
	}
}

func TestClampNonNegative(t *testing.T) {
	if got := ClampNonNegative(decimal.NewFromFloat(-0.5)); !got.IsZero() {
		t.Errorf("negative clamp = %s, want 0", got)
	}
	if got := ClampNonNegative(decimal.NewFromFloat(0.5)); !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("positive clamp = %s, want 0.5", got)
	}
}

func TestPositionKey(t *testing.T) {
	if got := PositionKey("kraken_perpetual", "PF_XBTUSD"); got != "kraken_perpetual_PF_XBTUSD" {
		t.Errorf("PositionKey = %q", got)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("123e4567-e89b-12d3-a456-426614174000"); got != "123e4567" {
		t.Errorf("ShortID = %q, want 123e4567", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("short input should pass through, got %q", got)
	}
}
