package analysis

import "testing"

func TestRiskBuckets(t *testing.T) {
	cases := []struct {
		p    float64
		want RiskLevel
	}{
		{0.0, RiskLow},
		{0.19, RiskLow},
		{0.2, RiskModerate},
		{0.49, RiskModerate},
		{0.5, RiskHigh},
		{0.99, RiskHigh},
	}
	for _, c := range cases {
		if got := Risk(c.p); got != c.want {
			t.Errorf("Risk(%v) = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestAdviceNeverEmpty(t *testing.T) {
	for _, lvl := range []RiskLevel{RiskLow, RiskModerate, RiskHigh} {
		if Advice(lvl) == "" {
			t.Errorf("Advice(%q) is empty", lvl)
		}
	}
}
