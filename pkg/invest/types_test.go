package invest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestQuotationDecimalRoundTrip(t *testing.T) {
	tests := []struct {
		q    Quotation
		want string
	}{
		{Quotation{Units: "114", Nano: 250000000}, "114.25"},
		{Quotation{Units: "0", Nano: 10000000}, "0.01"},
		{Quotation{Units: "-3", Nano: -500000000}, "-3.5"},
		{Quotation{Units: "200", Nano: 0}, "200"},
	}
	for _, tt := range tests {
		got := tt.q.Decimal()
		if got.String() != tt.want {
			t.Errorf("Quotation%+v.Decimal() = %s, want %s", tt.q, got, tt.want)
		}
		back := QuotationFromDecimal(got)
		if back != tt.q {
			t.Errorf("QuotationFromDecimal(%s) = %+v, want %+v", got, back, tt.q)
		}
	}
}

func TestQuotationFromDecimalSplitsNano(t *testing.T) {
	q := QuotationFromDecimal(decimal.NewFromFloat(100.05))
	if q.Units != "100" || q.Nano != 50000000 {
		t.Errorf("got units=%s nano=%d, want units=100 nano=50000000", q.Units, q.Nano)
	}
}

func TestInt64StringDecoding(t *testing.T) {
	var v Int64String
	if err := json.Unmarshal([]byte(`"42"`), &v); err != nil {
		t.Fatalf("quoted: %v", err)
	}
	if v != 42 {
		t.Errorf("quoted: got %d, want 42", v)
	}

	// Sandbox responses sometimes encode the value bare.
	if err := json.Unmarshal([]byte(`42`), &v); err != nil {
		t.Fatalf("bare: %v", err)
	}
	if v != 42 {
		t.Errorf("bare: got %d, want 42", v)
	}

	if err := json.Unmarshal([]byte(`"nope"`), &v); err == nil {
		t.Error("expected error for non-numeric string")
	}

	out, err := json.Marshal(Int64String(7))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"7"` {
		t.Errorf("marshal: got %s, want %q", out, "7")
	}
}

func TestFormatTime(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	ts := time.Date(2026, 8, 28, 10, 30, 5, 120_000_000, msk)
	if got, want := FormatTime(ts), "2026-08-28T07:30:05.120Z"; got != want {
		t.Errorf("FormatTime = %s, want %s", got, want)
	}
}
