package threat

import (
	"fmt"
	"log"
	"math/big"
	"net/netip"
	"sort"
	"strings"
	"time"

	"threat-assembler/internal/domain"
)

// DefaultPolicyID is attached to ranges that come from end-user configurations.
const DefaultPolicyID = 0

// IPRanges collects the CIDR ranges of the resolver's policies and of the
// end users of its client, most specific first: IPv4 before IPv6, then by
// decreasing prefix length. Equal keys keep their input order.
func IPRanges(cfg *domain.ResolverConfiguration, endUsers []domain.EndUserConfiguration) ([]domain.IPRangeRecord, error) {
	start := time.Now()

	var out []domain.IPRangeRecord
	for _, p := range cfg.Policies {
		for _, cidr := range p.IPRanges {
			rec, err := ParseIPRange(cidr, p.ID, "")
			if err != nil {
				return nil, Fail(StageIPRanges, cfg.ResolverID, err)
			}
			out = append(out, rec)
		}
	}

	for _, eu := range endUsers {
		if eu.ClientID != cfg.ClientID || len(eu.IPRanges) == 0 {
			continue
		}
		for _, identity := range eu.Identities {
			for _, cidr := range eu.IPRanges {
				rec, err := ParseIPRange(cidr, DefaultPolicyID, identity)
				if err != nil {
					return nil, Fail(StageIPRanges, cfg.ResolverID, err)
				}
				out = append(out, rec)
			}
		}
	}

	SortIPRanges(out)

	log.Printf("iprange: resolver #%d: %d ranges in %d ms", cfg.ResolverID, len(out), time.Since(start).Milliseconds())
	return out, nil
}

// SortIPRanges orders ranges most specific first.
func SortIPRanges(ranges []domain.IPRangeRecord) {
	sort.SliceStable(ranges, func(i, j int) bool {
		a, b := ranges[i], ranges[j]
		if a.IPv6 != b.IPv6 {
			return !a.IPv6
		}
		return a.Bits > b.Bits
	})
}

// ParseIPRange computes the numeric bounds of cidr. A bare address is treated
// as a single host range. Host bits set in the address are ignored.
func ParseIPRange(cidr string, policyID int, identity string) (domain.IPRangeRecord, error) {
	raw := strings.TrimSpace(cidr)

	var prefix netip.Prefix
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return domain.IPRangeRecord{}, fmt.Errorf("invalid ip range %q: %w", cidr, err)
		}
		prefix = p
	} else {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return domain.IPRangeRecord{}, fmt.Errorf("invalid ip range %q: %w", cidr, err)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	prefix = prefix.Masked()

	addr := prefix.Addr()
	start := new(big.Int).SetBytes(addr.AsSlice())

	hostBits := uint(addr.BitLen() - prefix.Bits())
	mask := new(big.Int).Lsh(big.NewInt(1), hostBits)
	mask.Sub(mask, big.NewInt(1))
	end := new(big.Int).Or(start, mask)

	return domain.IPRangeRecord{
		CIDR:     cidr,
		Start:    start,
		End:      end,
		Bits:     prefix.Bits(),
		IPv6:     !addr.Is4(),
		Identity: identity,
		PolicyID: policyID,
	}, nil
}
