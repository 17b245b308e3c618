package processor

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"threat-assembler/internal/changes"
	"threat-assembler/internal/codec"
	"threat-assembler/internal/domain"
	"threat-assembler/internal/grid"
	"threat-assembler/internal/registry"
	"threat-assembler/internal/threat"
)

type fakePublisher struct {
	mu      sync.Mutex
	fail    map[int]error
	written map[int][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, resolverID int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[resolverID]; err != nil {
		return err
	}
	if f.written == nil {
		f.written = map[int][]byte{}
	}
	f.written[resolverID] = data
	return nil
}

func (f *fakePublisher) ids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.written))
	for id := range f.written {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

type failingSource struct {
	*grid.Store
	err error
}

func (f failingSource) EndUserConfigurations(ctx context.Context) ([]domain.EndUserConfiguration, error) {
	return nil, f.err
}

func blacklistPolicy(id int, ranges ...string) domain.Policy {
	return domain.Policy{ID: id, IPRanges: ranges, Strategy: &domain.Strategy{Type: domain.StrategyBlacklist}}
}

type fixture struct {
	store   *grid.Store
	holder  *registry.Holder
	tracker *changes.Tracker
	pub     *fakePublisher
}

func newFixture(t *testing.T, cfgs ...domain.ResolverConfiguration) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:   grid.NewStore(grid.NewMemory()),
		holder:  registry.NewHolder(),
		tracker: changes.NewTracker(),
		pub:     &fakePublisher{},
	}
	for _, c := range cfgs {
		if err := f.store.PutResolverConfiguration(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	f.holder.Set(&domain.Snapshot{
		Records: []domain.ThreatRecord{
			{Domain: "evil.example", Hash: domain.HashString64("evil.example"), Sources: map[string]domain.Source{"feed": {Type: "malware"}}},
			{Domain: "worse.example", Hash: domain.HashString64("worse.example"), Sources: map[string]domain.Source{"feed": {Type: "c&c"}}},
		},
		FetchedAt: time.Now(),
	})
	return f
}

func (f *fixture) processor(cfg Config) *Processor {
	return New(cfg, f.store, f.holder, f.tracker, f.pub, nil)
}

func TestProcess_AllSucceed(t *testing.T) {
	f := newFixture(t,
		domain.ResolverConfiguration{ResolverID: 1, ClientID: 1, Policies: []domain.Policy{blacklistPolicy(10, "10.0.0.0/8")}},
		domain.ResolverConfiguration{ResolverID: 2, ClientID: 1, Policies: []domain.Policy{blacklistPolicy(20)}},
	)
	if err := f.store.PutEndUserConfiguration(context.Background(), domain.EndUserConfiguration{
		ID: "u1", ClientID: 1, Identities: []string{"alice"}, Blacklist: []string{"custom.example"}, PolicyID: 10,
	}); err != nil {
		t.Fatal(err)
	}

	p := f.processor(Config{Workers: 2})
	ok, err := p.Process(context.Background(), ModeFull)
	if err != nil || !ok {
		t.Fatalf("Process = %v, %v; want true, nil", ok, err)
	}
	if got := f.pub.ids(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("published %v", got)
	}

	rec, err := codec.Decode(f.pub.written[1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// two matched records plus the end user's blacklist shell
	if len(rec.Threats) != 3 {
		t.Fatalf("threats = %d, want 3", len(rec.Threats))
	}
	for i := 1; i < len(rec.Threats); i++ {
		if rec.Threats[i-1].Hash >= rec.Threats[i].Hash {
			t.Fatal("threats not sorted by hash")
		}
	}
	if len(rec.IPRanges) != 1 || len(rec.Policies) != 1 || len(rec.CustomLists) != 1 {
		t.Fatalf("record = %+v", rec)
	}

	last := p.LastResult()
	if last == nil || !last.OK || last.Resolvers != 2 || last.Failed != 0 || last.RunID == "" {
		t.Fatalf("LastResult = %+v", last)
	}
}

func TestProcess_FailureIsolation(t *testing.T) {
	f := newFixture(t,
		domain.ResolverConfiguration{ResolverID: 1, Policies: []domain.Policy{blacklistPolicy(1)}},
		domain.ResolverConfiguration{ResolverID: 2, Policies: []domain.Policy{blacklistPolicy(2, "not-a-cidr")}},
		domain.ResolverConfiguration{ResolverID: 3, Policies: []domain.Policy{{ID: 3}}},
		domain.ResolverConfiguration{ResolverID: 4, Policies: []domain.Policy{blacklistPolicy(4)}},
		domain.ResolverConfiguration{ResolverID: 5, Policies: []domain.Policy{blacklistPolicy(5)}},
	)
	f.pub.fail = map[int]error{4: errors.New("disk full")}

	p := f.processor(Config{})
	ok, err := p.Process(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if ok {
		t.Fatal("Process reported success with failing resolvers")
	}
	if got := f.pub.ids(); !reflect.DeepEqual(got, []int{1, 5}) {
		t.Fatalf("published %v, want [1 5]", got)
	}
	if last := p.LastResult(); last.Failed != 3 || last.Resolvers != 5 {
		t.Fatalf("LastResult = %+v", last)
	}
}

func TestProcessResolver_Stages(t *testing.T) {
	f := newFixture(t)
	f.pub.fail = map[int]error{9: errors.New("nope")}
	p := f.processor(Config{})

	tests := []struct {
		name  string
		cfg   domain.ResolverConfiguration
		stage threat.Stage
	}{
		{"bad cidr", domain.ResolverConfiguration{ResolverID: 7, Policies: []domain.Policy{blacklistPolicy(1, "300.1.1.1/8")}}, threat.StageIPRanges},
		{"no strategy", domain.ResolverConfiguration{ResolverID: 8, Policies: []domain.Policy{{ID: 1}}}, threat.StagePolicies},
		{"export", domain.ResolverConfiguration{ResolverID: 9, Policies: []domain.Policy{blacklistPolicy(1)}}, threat.StageExport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.processResolver(context.Background(), &tt.cfg, nil, f.holder.Get())
			var perr *threat.ProcessingError
			if !errors.As(err, &perr) {
				t.Fatalf("error %v is not a ProcessingError", err)
			}
			if perr.ResolverID != tt.cfg.ResolverID {
				t.Fatalf("ResolverID = %d", perr.ResolverID)
			}
			// a missing strategy fails both policy and threat tasks; either is fine
			if tt.stage == threat.StagePolicies && perr.Stage == threat.StageThreats {
				return
			}
			if perr.Stage != tt.stage {
				t.Fatalf("Stage = %s, want %s", perr.Stage, tt.stage)
			}
		})
	}
}

func TestProcess_SnapshotNotLoaded(t *testing.T) {
	f := newFixture(t, domain.ResolverConfiguration{ResolverID: 1, Policies: []domain.Policy{blacklistPolicy(1)}})
	f.holder.Set(&domain.Snapshot{})

	ok, err := f.processor(Config{}).Process(context.Background(), ModeFull)
	if ok || !errors.Is(err, ErrSnapshotNotLoaded) {
		t.Fatalf("Process = %v, %v; want false, ErrSnapshotNotLoaded", ok, err)
	}
	if len(f.pub.ids()) != 0 {
		t.Fatal("nothing may be published without a snapshot")
	}
}

func TestProcess_FetchErrorIsFatal(t *testing.T) {
	f := newFixture(t, domain.ResolverConfiguration{ResolverID: 1, Policies: []domain.Policy{blacklistPolicy(1)}})
	src := failingSource{Store: f.store, err: errors.New("grid down")}

	p := New(Config{}, src, f.holder, f.tracker, f.pub, nil)
	ok, err := p.Process(context.Background(), ModeFull)
	if ok || err == nil {
		t.Fatalf("Process = %v, %v; want false, error", ok, err)
	}
	if len(f.pub.ids()) != 0 {
		t.Fatal("nothing may be published after a fatal fetch error")
	}
	if last := p.LastResult(); last.Err == "" {
		t.Fatal("LastResult must carry the error")
	}
}

func TestProcess_ManyBatches(t *testing.T) {
	var cfgs []domain.ResolverConfiguration
	for id := 1; id <= 35; id++ {
		cfgs = append(cfgs, domain.ResolverConfiguration{ResolverID: id, Policies: []domain.Policy{blacklistPolicy(id)}})
	}
	f := newFixture(t, cfgs...)

	ok, err := f.processor(Config{BatchSize: 1, Workers: 3, MatchParallelism: 2}).Process(context.Background(), ModeFull)
	if err != nil || !ok {
		t.Fatalf("Process = %v, %v", ok, err)
	}
	if got := len(f.pub.ids()); got != 35 {
		t.Fatalf("published %d resolvers, want 35", got)
	}
}

func TestProcess_Incremental(t *testing.T) {
	f := newFixture(t,
		domain.ResolverConfiguration{ResolverID: 1, ClientID: 100, Policies: []domain.Policy{blacklistPolicy(1)}},
		domain.ResolverConfiguration{ResolverID: 2, ClientID: 200, Policies: []domain.Policy{blacklistPolicy(2)}},
		domain.ResolverConfiguration{ResolverID: 3, ClientID: 300, Policies: []domain.Policy{blacklistPolicy(3)}},
	)
	p := f.processor(Config{})
	ctx := context.Background()

	ok, err := p.Process(ctx, ModeIncremental)
	if !ok || err != nil || !p.LastResult().Skipped {
		t.Fatalf("empty incremental run = %v, %v, %+v", ok, err, p.LastResult())
	}
	if len(f.pub.ids()) != 0 {
		t.Fatal("skipped run published something")
	}

	f.tracker.TouchResolver(1)
	f.tracker.TouchResolver(99)
	f.tracker.TouchClient(300)
	ok, err = p.Process(ctx, ModeIncremental)
	if !ok || err != nil {
		t.Fatalf("Process = %v, %v", ok, err)
	}
	if got := f.pub.ids(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("published %v, want [1 3]", got)
	}
	if !f.tracker.Drain().Empty() {
		t.Fatal("tracker not drained")
	}
}

func TestProcess_IncrementalRestoresFailures(t *testing.T) {
	f := newFixture(t,
		domain.ResolverConfiguration{ResolverID: 1, Policies: []domain.Policy{blacklistPolicy(1)}},
		domain.ResolverConfiguration{ResolverID: 2, Policies: []domain.Policy{blacklistPolicy(2)}},
	)
	f.pub.fail = map[int]error{2: errors.New("disk full")}
	f.tracker.TouchResolver(1)
	f.tracker.TouchResolver(2)

	ok, err := f.processor(Config{}).Process(context.Background(), ModeIncremental)
	if ok || err != nil {
		t.Fatalf("Process = %v, %v", ok, err)
	}
	if got := f.tracker.Drain(); !reflect.DeepEqual(got.ResolverIDs, []int{2}) {
		t.Fatalf("restored %+v, want resolver 2", got)
	}
}

func TestProcess_IncrementalUnavailable(t *testing.T) {
	f := newFixture(t)
	p := New(Config{}, f.store, f.holder, nil, f.pub, nil)
	if _, err := p.Process(context.Background(), ModeIncremental); err == nil {
		t.Fatal("expected error without change source")
	}
	if _, err := p.Process(context.Background(), Mode("weekly")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

type gatedPublisher struct {
	entered chan int
	release chan struct{}
}

func (g *gatedPublisher) Publish(ctx context.Context, resolverID int, data []byte) error {
	g.entered <- resolverID
	<-g.release
	return nil
}

func TestProcess_ModesDoNotOverlap(t *testing.T) {
	f := newFixture(t, domain.ResolverConfiguration{ResolverID: 1, Policies: []domain.Policy{blacklistPolicy(1)}})
	pub := &gatedPublisher{entered: make(chan int, 2), release: make(chan struct{})}
	p := New(Config{}, f.store, f.holder, f.tracker, pub, nil)
	ctx := context.Background()

	fullDone := make(chan error, 1)
	go func() {
		_, err := p.Process(ctx, ModeFull)
		fullDone <- err
	}()
	<-pub.entered

	f.tracker.TouchResolver(1)
	incDone := make(chan error, 1)
	go func() {
		_, err := p.Process(ctx, ModeIncremental)
		incDone <- err
	}()

	select {
	case <-pub.entered:
		t.Fatal("incremental run published while the full run was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	if err := <-fullDone; err != nil {
		t.Fatalf("full run: %v", err)
	}
	if id := <-pub.entered; id != 1 {
		t.Fatalf("incremental published %d, want 1", id)
	}
	if err := <-incDone; err != nil {
		t.Fatalf("incremental run: %v", err)
	}
}

func TestProcess_WaitHonorsContext(t *testing.T) {
	f := newFixture(t, domain.ResolverConfiguration{ResolverID: 1, Policies: []domain.Policy{blacklistPolicy(1)}})
	pub := &gatedPublisher{entered: make(chan int, 1), release: make(chan struct{})}
	p := New(Config{}, f.store, f.holder, f.tracker, pub, nil)
	defer close(pub.release)

	go p.Process(context.Background(), ModeFull)
	<-pub.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Process(ctx, ModeFull); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestClampBatchSize(t *testing.T) {
	tests := []struct{ in, want int }{
		{-5, 10}, {0, 10}, {9, 10}, {10, 10}, {20, 20}, {100, 100}, {101, 100}, {5000, 100},
	}
	for _, tt := range tests {
		if got := ClampBatchSize(tt.in); got != tt.want {
			t.Errorf("ClampBatchSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOrder(t *testing.T) {
	ids := []int{5, 1, 3}

	asc := (&Processor{}).order(ids)
	if !reflect.DeepEqual(asc, []int{1, 3, 5}) {
		t.Fatalf("order = %v", asc)
	}
	desc := (&Processor{cfg: Config{Reverse: true}}).order(ids)
	if !reflect.DeepEqual(desc, []int{5, 3, 1}) {
		t.Fatalf("reverse order = %v", desc)
	}
	if !reflect.DeepEqual(ids, []int{5, 1, 3}) {
		t.Fatal("order mutated its input")
	}
}
