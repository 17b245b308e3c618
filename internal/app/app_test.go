package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"threat-assembler/internal/codec"
	"threat-assembler/internal/config"
	"threat-assembler/internal/domain"
	"threat-assembler/internal/export"
	"threat-assembler/internal/grid"

	"github.com/alicebob/miniredis/v2"
)

func seedGrid(t *testing.T, addr string) {
	t.Helper()
	ctx := context.Background()

	rc, err := grid.NewRedisClient(ctx, grid.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	store := grid.NewStore(grid.NewRedis(rc))

	audit := 10
	for _, cfg := range []domain.ResolverConfiguration{
		{ResolverID: 1, ClientID: 1, Policies: []domain.Policy{
			{ID: 11, IPRanges: []string{"192.0.2.0/24"}, Strategy: &domain.Strategy{Type: domain.StrategyBlacklist}},
			{ID: 12, Strategy: &domain.Strategy{Type: domain.StrategyAccuracy, Params: domain.StrategyParams{Audit: &audit}}},
		}},
		{ResolverID: 2, ClientID: 2, Policies: []domain.Policy{
			{ID: 21, Strategy: &domain.Strategy{Type: domain.StrategyDrop}},
		}},
	} {
		if err := store.PutResolverConfiguration(ctx, cfg); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.PutEndUserConfiguration(ctx, domain.EndUserConfiguration{
		ID: "eu-1", ClientID: 1, Identities: []string{"alice"}, Blacklist: []string{"private.example"}, PolicyID: 11,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		rec := domain.ThreatRecord{
			Domain:   fmt.Sprintf("threat%d.example", i),
			Sources:  map[string]domain.Source{"feed-a": {Type: "malware"}},
			Accuracy: map[string]map[string]int{"feed-a": {"score": 20 * i}},
		}
		if err := store.PutThreatRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig(addr, dir string) config.Config {
	return config.Config{
		Redis:                   config.RedisConfig{Addr: addr},
		OutputDir:               dir,
		MinFileSize:             export.DefaultMinSize,
		BatchSize:               10,
		Workers:                 2,
		MatchParallelism:        2,
		SnapshotRefreshInterval: time.Minute,
	}
}

func TestRunOnce(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	seedGrid(t, mr.Addr())

	dir := t.TempDir()
	if err := RunOnce(context.Background(), testConfig(mr.Addr(), dir)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	files := export.NewFileExporter(dir, export.DefaultMinSize)
	data, err := files.Read(1)
	if err != nil {
		t.Fatalf("read resolver 1: %v", err)
	}
	rec, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// five threats plus the end user's blacklist placeholder
	if len(rec.Threats) != 6 || len(rec.Policies) != 2 || len(rec.IPRanges) != 1 || len(rec.CustomLists) != 1 {
		t.Fatalf("resolver 1 record: %d threats, %d policies, %d ranges, %d lists",
			len(rec.Threats), len(rec.Policies), len(rec.IPRanges), len(rec.CustomLists))
	}

	_, th, ok := domain.FindThreat(rec.Threats, "threat3.example")
	if !ok {
		t.Fatal("threat3.example missing")
	}
	if th.Slot(0) != domain.FlagBlacklist || th.Slot(1) != domain.FlagAccuracy || th.Accuracy != 60 {
		t.Fatalf("threat3 = %+v", th)
	}
	_, th, _ = domain.FindThreat(rec.Threats, "threat0.example")
	if th.Slot(1) != domain.FlagNone {
		t.Fatalf("threat0 accuracy 0 must not reach audit 10: %+v", th)
	}

	if _, err := files.Read(2); err != nil {
		t.Fatalf("read resolver 2: %v", err)
	}
}

func TestRunOnce_RedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()

	if err := RunOnce(context.Background(), testConfig(addr, t.TempDir())); err == nil {
		t.Fatal("expected error without redis")
	}
}

func TestRunOnce_ResolverFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	seedGrid(t, mr.Addr())

	rc, err := grid.NewRedisClient(context.Background(), grid.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	bad := domain.ResolverConfiguration{ResolverID: 3, Policies: []domain.Policy{
		{ID: 31, IPRanges: []string{"bogus"}, Strategy: &domain.Strategy{Type: domain.StrategyDrop}},
	}}
	if err := grid.NewStore(grid.NewRedis(rc)).PutResolverConfiguration(context.Background(), bad); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := RunOnce(context.Background(), testConfig(mr.Addr(), dir)); err == nil {
		t.Fatal("expected error when a resolver fails")
	}
	if _, err := export.NewFileExporter(dir, 0).Read(1); err != nil {
		t.Fatalf("healthy resolver not published: %v", err)
	}
}

func TestIgnoreCanceled(t *testing.T) {
	if ignoreCanceled(context.Canceled) != nil {
		t.Fatal("context.Canceled must be ignored")
	}
	boom := errors.New("boom")
	if !errors.Is(ignoreCanceled(boom), boom) {
		t.Fatal("other errors must pass through")
	}
	if ignoreCanceled(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
