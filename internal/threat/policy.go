package threat

import (
	"fmt"

	"threat-assembler/internal/domain"
)

// Policies projects every policy of the resolver into a flat record.
// Missing thresholds default to 0; a policy without a strategy is an error.
func Policies(cfg *domain.ResolverConfiguration) ([]domain.PolicyRecord, error) {
	out := make([]domain.PolicyRecord, 0, len(cfg.Policies))
	for i, p := range cfg.Policies {
		if p.Strategy == nil {
			return nil, Fail(StagePolicies, cfg.ResolverID, fmt.Errorf("policy %d (slot %d) has no strategy", p.ID, i))
		}
		out = append(out, domain.PolicyRecord{
			PolicyID: p.ID,
			Strategy: p.Strategy.Type,
			Audit:    intOrZero(p.Strategy.Params.Audit),
			Block:    intOrZero(p.Strategy.Params.Block),
		})
	}
	return out, nil
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
