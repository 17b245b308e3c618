package domain

import (
	"net/netip"
	"sort"
	"strings"
)

// FindThreat looks host up in threats, which must be sorted by Hash, the way
// a resolver does: the exact name first, then each parent domain. IP literals
// are only matched exactly. It returns the matched name with the threat.
func FindThreat(threats []Threat, host string) (string, *Threat, bool) {
	if _, err := netip.ParseAddr(host); err == nil {
		if t, ok := searchHash(threats, HashString64(host)); ok {
			return host, t, true
		}
		return "", nil, false
	}

	for {
		if t, ok := searchHash(threats, HashString64(host)); ok {
			return host, t, true
		}

		j := strings.IndexByte(host, '.')
		if j == -1 {
			break
		}
		host = host[j+1:]
	}

	return "", nil, false
}

func searchHash(threats []Threat, h uint64) (*Threat, bool) {
	i := sort.Search(len(threats), func(i int) bool { return threats[i].Hash >= h })
	if i < len(threats) && threats[i].Hash == h {
		return &threats[i], true
	}
	return nil, false
}
