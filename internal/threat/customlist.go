package threat

import "threat-assembler/internal/domain"

// CustomLists emits one record per identity of every end-user configuration
// that belongs to the resolver's client.
func CustomLists(cfg *domain.ResolverConfiguration, endUsers []domain.EndUserConfiguration) []domain.CustomListRecord {
	var out []domain.CustomListRecord
	for _, eu := range endUsers {
		if eu.ClientID != cfg.ClientID {
			continue
		}
		for _, identity := range eu.Identities {
			out = append(out, domain.CustomListRecord{
				ID:        eu.ID,
				Identity:  identity,
				Whitelist: eu.Whitelist,
				Blacklist: eu.Blacklist,
				PolicyID:  eu.PolicyID,
			})
		}
	}
	return out
}
