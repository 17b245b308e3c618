package domain

import (
	"math/big"
	"time"
)

// Source is one feed's report of a threat: classification type plus the
// feed-internal identifier.
type Source struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ThreatRecord is a globally known malicious domain or IP.
// Records are read-only once they are part of a Snapshot.
type ThreatRecord struct {
	Domain    string                    `json:"blackListedDomainOrIP"`
	Hash      uint64                    `json:"crc64Hash"`
	Listed    time.Time                 `json:"listed"`
	Sources   map[string]Source         `json:"sources"`
	Accuracy  map[string]map[string]int `json:"accuracy"`
	Whitelist bool                      `json:"presentOnWhiteList"`
}

// Snapshot is the immutable set of global threat records produced by one
// bulk refresh. Consumers must not modify it.
type Snapshot struct {
	Records   []ThreatRecord
	FetchedAt time.Time
}

// Loaded reports whether the snapshot came from a completed refresh.
func (s *Snapshot) Loaded() bool {
	return s != nil && !s.FetchedAt.IsZero()
}

// ResolverConfiguration is the policy setup of one resolver. The position of a
// policy in Policies is its flag slot in the published cache.
type ResolverConfiguration struct {
	ResolverID int      `json:"resolverId"`
	ClientID   int      `json:"clientId"`
	Policies   []Policy `json:"policies"`
}

type Policy struct {
	ID               int               `json:"id"`
	IPRanges         []string          `json:"ipRanges,omitempty"`
	Strategy         *Strategy         `json:"strategy"`
	AccuracyFeeds    []string          `json:"accuracyFeeds,omitempty"`
	BlacklistedFeeds []string          `json:"blacklistedFeeds,omitempty"`
	CustomLists      *PolicyCustomList `json:"customlists,omitempty"`
}

type Strategy struct {
	Type   StrategyType   `json:"strategyType"`
	Params StrategyParams `json:"strategyParams"`
}

// StrategyParams holds thresholds and the allowed classification types.
// Nil thresholds mean 0; an empty Types list allows every type.
type StrategyParams struct {
	Audit *int     `json:"audit,omitempty"`
	Block *int     `json:"block,omitempty"`
	Types []string `json:"types,omitempty"`
}

// PolicyCustomList holds literal domain overrides of one policy.
type PolicyCustomList struct {
	Audit     []string `json:"auditList,omitempty"`
	Blacklist []string `json:"blackList,omitempty"`
	Drop      []string `json:"dropList,omitempty"`
	Whitelist []string `json:"whiteList,omitempty"`
}

// EndUserConfiguration carries per-identity overrides of one client's users.
type EndUserConfiguration struct {
	ID         string   `json:"id"`
	ClientID   int      `json:"clientId"`
	Identities []string `json:"identities"`
	Whitelist  []string `json:"whitelist,omitempty"`
	Blacklist  []string `json:"blacklist,omitempty"`
	IPRanges   []string `json:"ipRanges,omitempty"`
	PolicyID   int      `json:"policyId"`
}

// IPRangeRecord is one CIDR range with numeric bounds.
// Identity is empty for policy level ranges.
type IPRangeRecord struct {
	CIDR     string
	Start    *big.Int
	End      *big.Int
	Bits     int
	IPv6     bool
	Identity string
	PolicyID int
}

type PolicyRecord struct {
	PolicyID int
	Strategy StrategyType
	Audit    int
	Block    int
}

type CustomListRecord struct {
	ID        string
	Identity  string
	Whitelist []string
	Blacklist []string
	PolicyID  int
}

// ResolverRecord is everything published for one resolver.
type ResolverRecord struct {
	ResolverID  int
	CustomLists []CustomListRecord
	Threats     []Threat
	IPRanges    []IPRangeRecord
	Policies    []PolicyRecord
}
