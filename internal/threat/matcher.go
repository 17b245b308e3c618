package threat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"threat-assembler/internal/domain"

	"golang.org/x/sync/errgroup"
)

type stringSet map[string]struct{}

func newStringSet(items []string) stringSet {
	if len(items) == 0 {
		return nil
	}
	s := make(stringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// allows treats an empty set as "allow everything".
func (s stringSet) allows(v string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[v]
	return ok
}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

type compiledPolicy struct {
	strategy         domain.StrategyType
	audit            int
	types            stringSet
	accuracyFeeds    stringSet
	blacklistedFeeds stringSet
}

// Matcher sets the flags of one resolver's threats.
type Matcher struct {
	cfg      *domain.ResolverConfiguration
	policies []compiledPolicy
	pool     *Pool
}

// NewMatcher validates the resolver's policies and prepares them for matching.
func NewMatcher(cfg *domain.ResolverConfiguration, pool *Pool) (*Matcher, error) {
	if len(cfg.Policies) > domain.SlotCount {
		return nil, Fail(StageThreats, cfg.ResolverID,
			fmt.Errorf("%d policies configured, at most %d are supported", len(cfg.Policies), domain.SlotCount))
	}
	if pool == nil {
		pool = NewPool(1)
	}

	policies := make([]compiledPolicy, len(cfg.Policies))
	for i, p := range cfg.Policies {
		if p.Strategy == nil || !p.Strategy.Type.Valid() {
			return nil, Fail(StageThreats, cfg.ResolverID, fmt.Errorf("policy %d (slot %d) has no valid strategy", p.ID, i))
		}
		policies[i] = compiledPolicy{
			strategy:         p.Strategy.Type,
			audit:            intOrZero(p.Strategy.Params.Audit),
			types:            newStringSet(p.Strategy.Params.Types),
			accuracyFeeds:    newStringSet(p.AccuracyFeeds),
			blacklistedFeeds: newStringSet(p.BlacklistedFeeds),
		}
	}

	return &Matcher{cfg: cfg, policies: policies, pool: pool}, nil
}

// Threats runs all matching phases and returns the resolver's threats sorted
// by hash.
func Threats(ctx context.Context, cfg *domain.ResolverConfiguration, snapshot *domain.Snapshot, endUsers []domain.EndUserConfiguration, pool *Pool) ([]domain.Threat, error) {
	m, err := NewMatcher(cfg, pool)
	if err != nil {
		return nil, err
	}

	var records []domain.ThreatRecord
	if snapshot != nil {
		records = snapshot.Records
	}

	threats, err := m.Match(ctx, records)
	if err != nil {
		return nil, Fail(StageThreats, cfg.ResolverID, err)
	}
	return m.PostProcess(threats, endUsers), nil
}

// Match creates a threat for every record that sets at least one slot.
// Records are split into one chunk per pool slot; each chunk runs while it
// holds a slot. When two records share a hash the later one wins.
func (m *Matcher) Match(ctx context.Context, records []domain.ThreatRecord) (map[uint64]*domain.Threat, error) {
	start := time.Now()

	chunks := m.pool.Size()
	if chunks > len(records) {
		chunks = len(records)
	}
	if chunks < 1 {
		chunks = 1
	}
	size := (len(records) + chunks - 1) / chunks

	partial := make([][]*domain.Threat, chunks)
	var g errgroup.Group
	for c := 0; c < chunks; c++ {
		lo := c * size
		hi := lo + size
		if hi > len(records) {
			hi = len(records)
		}
		if lo >= hi {
			continue
		}
		c := c
		g.Go(func() error {
			if err := m.pool.acquire(ctx); err != nil {
				return err
			}
			defer m.pool.release()
			partial[c] = m.matchRange(records[lo:hi])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, p := range partial {
		n += len(p)
	}
	out := make(map[uint64]*domain.Threat, n)
	for _, p := range partial {
		for _, t := range p {
			out[t.Hash] = t
		}
	}

	log.Printf("threat: resolver #%d: matched %d of %d records in %d ms",
		m.cfg.ResolverID, len(out), len(records), time.Since(start).Milliseconds())
	return out, nil
}

func (m *Matcher) matchRange(records []domain.ThreatRecord) []*domain.Threat {
	var out []*domain.Threat
	for i := range records {
		rec := &records[i]
		t := domain.NewThreat(rec.Hash)
		t.Accuracy = computeMaxAccuracy(rec)
		for slot := range m.policies {
			m.policies[slot].apply(t, rec, slot)
		}
		if t.IsSet() {
			out = append(out, t)
		}
	}
	return out
}

func (p *compiledPolicy) apply(t *domain.Threat, rec *domain.ThreatRecord, slot int) {
	if p.strategy != domain.StrategyAccuracy || p.accuracyMatches(t, rec) {
		t.SetSlot(slot, p.strategy.Flag())
	}
	// A blacklisted feed escalates whatever the strategy decided.
	if p.blacklistedFeedMatches(rec) {
		t.SetSlot(slot, domain.FlagBlacklist)
	}
}

func (p *compiledPolicy) accuracyMatches(t *domain.Threat, rec *domain.ThreatRecord) bool {
	return p.typeAndFeedMatch(rec) && t.Accuracy >= p.audit
}

// typeAndFeedMatch reports whether a single source is both of an allowed type
// and from an allowed accuracy feed.
func (p *compiledPolicy) typeAndFeedMatch(rec *domain.ThreatRecord) bool {
	for feed, src := range rec.Sources {
		if p.types.allows(src.Type) && p.accuracyFeeds.allows(feed) {
			return true
		}
	}
	return false
}

func (p *compiledPolicy) blacklistedFeedMatches(rec *domain.ThreatRecord) bool {
	if len(p.blacklistedFeeds) == 0 {
		return false
	}
	for feed := range rec.Sources {
		if p.blacklistedFeeds.has(feed) {
			return true
		}
	}
	return false
}

// computeMaxAccuracy returns the highest per-feed sum of accuracy metrics,
// or 0 without accuracy data. Negative sums are not floored.
func computeMaxAccuracy(rec *domain.ThreatRecord) int {
	if len(rec.Accuracy) == 0 {
		return 0
	}
	first := true
	best := 0
	for _, metrics := range rec.Accuracy {
		sum := 0
		for _, v := range metrics {
			sum += v
		}
		if first || sum > best {
			best = sum
			first = false
		}
	}
	return best
}

var customListOrder = []struct {
	flag domain.Flag
	list func(*domain.PolicyCustomList) []string
}{
	{domain.FlagAudit, func(c *domain.PolicyCustomList) []string { return c.Audit }},
	{domain.FlagBlacklist, func(c *domain.PolicyCustomList) []string { return c.Blacklist }},
	{domain.FlagDrop, func(c *domain.PolicyCustomList) []string { return c.Drop }},
	{domain.FlagWhitelist, func(c *domain.PolicyCustomList) []string { return c.Whitelist }},
}

// PostProcess applies policy custom lists (audit, blacklist, drop, whitelist,
// in that order, so the last category a domain appears in wins), adds
// flagless placeholders for end-user blacklisted domains, and returns all
// threats sorted by hash.
func (m *Matcher) PostProcess(threats map[uint64]*domain.Threat, endUsers []domain.EndUserConfiguration) []domain.Threat {
	start := time.Now()

	for slot, p := range m.cfg.Policies {
		if p.CustomLists == nil {
			continue
		}
		for _, c := range customListOrder {
			for _, name := range c.list(p.CustomLists) {
				h := domain.HashString64(name)
				t, ok := threats[h]
				if !ok {
					t = domain.NewThreat(h)
					threats[h] = t
				}
				t.Domain = name
				t.SetSlot(slot, c.flag)
			}
		}
	}

	shells := 0
	for _, eu := range endUsers {
		if eu.ClientID != m.cfg.ClientID {
			continue
		}
		for _, name := range eu.Blacklist {
			h := domain.HashString64(name)
			if _, ok := threats[h]; ok {
				continue
			}
			t := domain.NewThreat(h)
			t.Domain = name
			threats[h] = t
			shells++
		}
	}

	out := make([]domain.Threat, 0, len(threats))
	for _, t := range threats {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })

	log.Printf("threat: resolver #%d: post-processed %d threats (%d placeholders) in %d ms",
		m.cfg.ResolverID, len(out), shells, time.Since(start).Milliseconds())
	return out
}
