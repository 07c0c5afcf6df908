package services

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
		want     int64
	}{
		{"10", 9, 10_000_000_000},
		{"2.5", 9, 2_500_000_000},
		{"0.000000001", 9, 1},
		{"15", 0, 15},
		{"1.25", 2, 125},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(decimal.RequireFromString(tc.in), tc.decimals)
		if err != nil {
			t.Errorf("ToBaseUnits(%s, %d): %v", tc.in, tc.decimals, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ToBaseUnits(%s, %d): got %d, want %d", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestToBaseUnits_Rejects(t *testing.T) {
	cases := []struct {
		in       string
		decimals int32
	}{
		{"0", 9},
		{"-1", 9},
		{"0.0000000001", 9},
		{"1.5", 0},
		{"10000000000", 9},
	}
	for _, tc := range cases {
		if _, err := ToBaseUnits(decimal.RequireFromString(tc.in), tc.decimals); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ToBaseUnits(%s, %d): expected ErrInvalidAmount, got %v", tc.in, tc.decimals, err)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		10_000_000_000: "10",
		2_500_000_000:  "2.5",
		1:              "0.000000001",
	}
	for in, want := range cases {
		if got := FormatAmount(in, 9); got != want {
			t.Errorf("FormatAmount(%d): got %q, want %q", in, got, want)
		}
	}
}
