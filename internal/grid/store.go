package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"threat-assembler/internal/domain"
)

// DefaultBulkSize bounds the number of keys fetched per GetAll call.
const DefaultBulkSize = 15000

// Store reads and writes the typed collections on top of a Grid.
type Store struct {
	grid     Grid
	bulkSize int
}

func NewStore(g Grid) *Store {
	return &Store{grid: g, bulkSize: DefaultBulkSize}
}

// WithBulkSize overrides the paging size of ThreatRecords.
func (s *Store) WithBulkSize(n int) *Store {
	if n > 0 {
		s.bulkSize = n
	}
	return s
}

// ResolverIDs returns every configured resolver id in ascending order.
func (s *Store) ResolverIDs(ctx context.Context) ([]int, error) {
	keys, err := s.grid.Keys(ctx, ResolverConfigurations)
	if err != nil {
		return nil, err
	}
	return parseIDs(keys)
}

// ResolverIDsByClient returns the resolvers owned by any of clientIDs.
func (s *Store) ResolverIDsByClient(ctx context.Context, clientIDs []int) ([]int, error) {
	if len(clientIDs) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(clientIDs))
	for _, id := range clientIDs {
		values = append(values, strconv.Itoa(id))
	}
	keys, err := s.grid.Query(ctx, ResolverConfigurations, ClientIDField, values)
	if err != nil {
		return nil, err
	}
	return parseIDs(keys)
}

// ResolverConfigurations loads the given resolvers, preserving the order of
// ids. Unknown ids are skipped.
func (s *Store) ResolverConfigurations(ctx context.Context, ids []int) ([]domain.ResolverConfiguration, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, strconv.Itoa(id))
	}
	docs, err := s.grid.GetAll(ctx, ResolverConfigurations, keys)
	if err != nil {
		return nil, err
	}

	out := make([]domain.ResolverConfiguration, 0, len(docs))
	for i, key := range keys {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		var cfg domain.ResolverConfiguration
		if err := json.Unmarshal(doc, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", ResolverConfigurations, key, err)
		}
		cfg.ResolverID = ids[i]
		out = append(out, cfg)
	}
	return out, nil
}

// EndUserConfigurations loads the whole end-user collection.
func (s *Store) EndUserConfigurations(ctx context.Context) ([]domain.EndUserConfiguration, error) {
	keys, err := s.grid.Keys(ctx, EndUserConfigurations)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	docs, err := s.grid.GetAll(ctx, EndUserConfigurations, keys)
	if err != nil {
		return nil, err
	}

	out := make([]domain.EndUserConfiguration, 0, len(docs))
	for _, key := range keys {
		doc, ok := docs[key]
		if !ok {
			continue
		}
		var eu domain.EndUserConfiguration
		if err := json.Unmarshal(doc, &eu); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", EndUserConfigurations, key, err)
		}
		if eu.ID == "" {
			eu.ID = key
		}
		out = append(out, eu)
	}
	return out, nil
}

// ThreatRecords pages through the blacklist collection. Records without a
// stored hash get one computed from the domain.
func (s *Store) ThreatRecords(ctx context.Context) ([]domain.ThreatRecord, error) {
	keys, err := s.grid.Keys(ctx, Blacklist)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	out := make([]domain.ThreatRecord, 0, len(keys))
	for start := 0; start < len(keys); start += s.bulkSize {
		end := start + s.bulkSize
		if end > len(keys) {
			end = len(keys)
		}
		bulk := keys[start:end]

		docs, err := s.grid.GetAll(ctx, Blacklist, bulk)
		if err != nil {
			return nil, fmt.Errorf("bulk %d-%d: %w", start, end, err)
		}
		for _, key := range bulk {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			var rec domain.ThreatRecord
			if err := json.Unmarshal(doc, &rec); err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", Blacklist, key, err)
			}
			if rec.Domain == "" {
				rec.Domain = key
			}
			if rec.Hash == 0 {
				rec.Hash = domain.HashString64(rec.Domain)
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) PutResolverConfiguration(ctx context.Context, cfg domain.ResolverConfiguration) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.grid.Put(ctx, ResolverConfigurations, strconv.Itoa(cfg.ResolverID), doc,
		map[string]string{ClientIDField: strconv.Itoa(cfg.ClientID)})
}

func (s *Store) PutEndUserConfiguration(ctx context.Context, eu domain.EndUserConfiguration) error {
	if eu.ID == "" {
		return fmt.Errorf("end user configuration without id")
	}
	doc, err := json.Marshal(eu)
	if err != nil {
		return err
	}
	return s.grid.Put(ctx, EndUserConfigurations, eu.ID, doc,
		map[string]string{ClientIDField: strconv.Itoa(eu.ClientID)})
}

func (s *Store) PutThreatRecord(ctx context.Context, rec domain.ThreatRecord) error {
	if rec.Domain == "" {
		return fmt.Errorf("threat record without domain")
	}
	if rec.Hash == 0 {
		rec.Hash = domain.HashString64(rec.Domain)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.grid.Put(ctx, Blacklist, rec.Domain, doc, nil)
}

func parseIDs(keys []string) ([]int, error) {
	ids := make([]int, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("resolver key %q: %w", k, err)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
