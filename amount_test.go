package x402

import (
	"errors"
	"testing"
)

func TestAmountToMinorUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     uint64
		wantErr  bool
	}{
		{name: "sol whole", amount: "1", decimals: 9, want: 1_000_000_000},
		{name: "sol fractional", amount: "0.001", decimals: 9, want: 1_000_000},
		{name: "sol smallest unit", amount: "0.000000001", decimals: 9, want: 1},
		{name: "usdc exact", amount: "1.234567", decimals: 6, want: 1_234_567},
		{name: "usdc floor extra precision", amount: "1.2345678", decimals: 6, want: 1_234_567},
		{name: "usdc one and a half", amount: "1.50", decimals: 6, want: 1_500_000},
		{name: "trailing dot", amount: "2.", decimals: 6, want: 2_000_000},
		{name: "leading dot", amount: ".5", decimals: 6, want: 500_000},
		{name: "zero", amount: "0", decimals: 9, want: 0},
		{name: "sub minor floors to zero", amount: "0.0000000001", decimals: 9, want: 0},
		{name: "empty", amount: "", decimals: 9, wantErr: true},
		{name: "bare dot", amount: ".", decimals: 9, wantErr: true},
		{name: "negative", amount: "-1", decimals: 9, wantErr: true},
		{name: "exponent", amount: "1e9", decimals: 9, wantErr: true},
		{name: "garbage", amount: "1.2.3", decimals: 9, wantErr: true},
		{name: "overflow", amount: "99999999999999999999", decimals: 9, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToMinorUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("AmountToMinorUnits(%q, %d) = %d, want error", tt.amount, tt.decimals, got)
				}
				if !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("error = %v, want ErrInvalidAmount", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AmountToMinorUnits(%q, %d): %v", tt.amount, tt.decimals, err)
			}
			if got != tt.want {
				t.Fatalf("AmountToMinorUnits(%q, %d) = %d, want %d", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestMinorUnitsToAmount(t *testing.T) {
	tests := []struct {
		value    uint64
		decimals int
		want     string
	}{
		{1_500_000, 6, "1.5"},
		{1_000_000_000, 9, "1"},
		{1, 9, "0.000000001"},
		{0, 6, "0"},
		{1_234_567, 6, "1.234567"},
	}
	for _, tt := range tests {
		if got := MinorUnitsToAmount(tt.value, tt.decimals); got != tt.want {
			t.Errorf("MinorUnitsToAmount(%d, %d) = %q, want %q", tt.value, tt.decimals, got, tt.want)
		}
	}
}

// Round-tripping through the decimal representation must reproduce the exact
// minor-unit value for amounts within the currency's precision.
func TestMinorUnitsRoundTrip(t *testing.T) {
	for _, value := range []uint64{1, 999, 1_000_000, 1_234_567, 95, 1_000_000_000} {
		amount := MinorUnitsToAmount(value, 9)
		back, err := AmountToMinorUnits(amount, 9)
		if err != nil {
			t.Fatalf("round trip %d via %q: %v", value, amount, err)
		}
		if back != value {
			t.Fatalf("round trip %d via %q = %d", value, amount, back)
		}
	}
}
