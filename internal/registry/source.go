package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"threat-assembler/internal/domain"
)

// RecordReader is the part of grid.Store the source needs.
type RecordReader interface {
	ThreatRecords(ctx context.Context) ([]domain.ThreatRecord, error)
}

// GridSource builds snapshots from the blacklist collection of the grid.
type GridSource struct {
	store RecordReader
	now   func() time.Time
}

func NewGridSource(store RecordReader) *GridSource {
	return &GridSource{store: store, now: time.Now}
}

// FetchSnapshot implements the Fetcher interface. Records keep their stored
// hash; a missing hash is computed over the raw domain. Records with neither
// domain nor hash are skipped and duplicates collapse to the last one read.
func (s *GridSource) FetchSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	raw, err := s.store.ThreatRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("read threat records: %w", err)
	}

	records := make([]domain.ThreatRecord, 0, len(raw))
	var (
		skippedEmpty int
		unnormalized int
		samples      []string
	)

	for _, rec := range raw {
		name := strings.TrimSpace(rec.Domain)
		if name == "" && rec.Hash == 0 {
			skippedEmpty++
			continue
		}

		if rec.Hash == 0 {
			rec.Hash = domain.HashString64(rec.Domain)
		}
		if _, err := domain.NormalizeHost(name); err != nil {
			unnormalized++
		}

		if len(samples) < 5 {
			samples = append(samples, rec.Domain)
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Hash < records[j].Hash })
	records = compactRecords(records)

	log.Printf("registry: kept %d records whose domain does not normalize", unnormalized)
	log.Printf("registry: skipped %d empty records", skippedEmpty)
	log.Printf("registry: snapshot built: %d records", len(records))
	for i, d := range samples {
		log.Printf("registry: sample record[%d]=%s", i, d)
	}

	return &domain.Snapshot{Records: records, FetchedAt: s.now()}, nil
}

// compactRecords keeps the last record of each run of equal hashes in a
// stably sorted slice.
func compactRecords(src []domain.ThreatRecord) []domain.ThreatRecord {
	if len(src) == 0 {
		return src
	}

	dst := src[:0]
	for i := range src {
		if i+1 < len(src) && src[i+1].Hash == src[i].Hash {
			continue
		}
		dst = append(dst, src[i])
	}
	return dst
}
