package threat

import (
	"errors"
	"math/big"
	"testing"

	"threat-assembler/internal/domain"
)

func TestIPRanges_Order(t *testing.T) {
	cfg := &domain.ResolverConfiguration{
		ResolverID: 1,
		ClientID:   7,
		Policies: []domain.Policy{
			{ID: 1, IPRanges: []string{"10.20.30.40/8", "20.30.40.50/15", "2001:0db8:85a3:1234:5678:8a2e:0370:0/8"}},
			{ID: 2, IPRanges: []string{"FE80::0202:B3FF:FE1E:8329/24", "10.30.30.30/32"}},
			{ID: 3},
		},
	}

	got, err := IPRanges(cfg, nil)
	if err != nil {
		t.Fatalf("IPRanges error: %v", err)
	}

	want := []struct {
		cidr     string
		policyID int
	}{
		{"10.30.30.30/32", 2},
		{"20.30.40.50/15", 1},
		{"10.20.30.40/8", 1},
		{"FE80::0202:B3FF:FE1E:8329/24", 2},
		{"2001:0db8:85a3:1234:5678:8a2e:0370:0/8", 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d ranges, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].CIDR != w.cidr || got[i].PolicyID != w.policyID {
			t.Errorf("[%d] = %s (policy %d), want %s (policy %d)", i, got[i].CIDR, got[i].PolicyID, w.cidr, w.policyID)
		}
		if got[i].Identity != "" {
			t.Errorf("[%d] policy range must not carry an identity", i)
		}
	}
}

func TestIPRanges_EndUsers(t *testing.T) {
	cfg := &domain.ResolverConfiguration{
		ResolverID: 1,
		ClientID:   7,
		Policies:   []domain.Policy{{ID: 5, IPRanges: []string{"192.168.0.0/16"}}},
	}
	endUsers := []domain.EndUserConfiguration{
		{ID: "a", ClientID: 7, Identities: []string{"alice", "bob"}, IPRanges: []string{"192.168.1.0/24"}},
		{ID: "b", ClientID: 8, Identities: []string{"mallory"}, IPRanges: []string{"10.0.0.0/8"}},
		{ID: "c", ClientID: 7, Identities: []string{"carol"}},
	}

	got, err := IPRanges(cfg, endUsers)
	if err != nil {
		t.Fatalf("IPRanges error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ranges, want 3", len(got))
	}
	// /24 ranges first, in input order; then the policy's /16.
	if got[0].Identity != "alice" || got[1].Identity != "bob" {
		t.Errorf("identities = %q, %q", got[0].Identity, got[1].Identity)
	}
	if got[0].PolicyID != DefaultPolicyID {
		t.Errorf("end-user range policy = %d, want %d", got[0].PolicyID, DefaultPolicyID)
	}
	if got[2].PolicyID != 5 || got[2].Identity != "" {
		t.Errorf("last range = %+v", got[2])
	}
}

func TestIPRanges_Malformed(t *testing.T) {
	cfg := &domain.ResolverConfiguration{
		ResolverID: 9,
		Policies:   []domain.Policy{{ID: 1, IPRanges: []string{"10.0.0.0/8", "not-a-cidr/99"}}},
	}

	_, err := IPRanges(cfg, nil)
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
	if pe.Stage != StageIPRanges || pe.ResolverID != 9 {
		t.Fatalf("got stage %s resolver %d", pe.Stage, pe.ResolverID)
	}
}

func TestParseIPRange_Bounds(t *testing.T) {
	tests := []struct {
		cidr       string
		start, end string
		bits       int
		v6         bool
	}{
		{cidr: "10.20.30.40/8", start: "167772160", end: "184549375", bits: 8},
		{cidr: "10.30.30.30/32", start: "169745950", end: "169745950", bits: 32},
		{cidr: "10.30.30.30", start: "169745950", end: "169745950", bits: 32},
		{cidr: "0.0.0.0/0", start: "0", end: "4294967295", bits: 0},
		{cidr: "::/0", start: "0", end: "340282366920938463463374607431768211455", bits: 0, v6: true},
		{cidr: "2001:db8::/32", start: "42540766411282592856903984951653826560", end: "42540766490510755371168322545197776895", bits: 32, v6: true},
	}

	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			rec, err := ParseIPRange(tt.cidr, 1, "")
			if err != nil {
				t.Fatalf("ParseIPRange error: %v", err)
			}
			wantStart, _ := new(big.Int).SetString(tt.start, 10)
			wantEnd, _ := new(big.Int).SetString(tt.end, 10)
			if rec.Start.Cmp(wantStart) != 0 {
				t.Errorf("start = %s, want %s", rec.Start, wantStart)
			}
			if rec.End.Cmp(wantEnd) != 0 {
				t.Errorf("end = %s, want %s", rec.End, wantEnd)
			}
			if rec.Bits != tt.bits || rec.IPv6 != tt.v6 {
				t.Errorf("bits=%d v6=%v, want %d %v", rec.Bits, rec.IPv6, tt.bits, tt.v6)
			}
		})
	}
}

func TestParseIPRange_Invalid(t *testing.T) {
	for _, cidr := range []string{"", "10.0.0.0/33", "300.1.1.1/8", "::1/129", "example.com"} {
		if _, err := ParseIPRange(cidr, 1, ""); err == nil {
			t.Errorf("ParseIPRange(%q) expected error", cidr)
		}
	}
}
