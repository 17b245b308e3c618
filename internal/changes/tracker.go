// Package changes records which resolvers need regenerating since the last
// incremental run.
package changes

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"threat-assembler/internal/grid"
)

// Event is one change notification. Resolver configuration events carry
// the resolver id as Key; end-user events carry the owning ClientID.
type Event struct {
	Collection string `json:"collection"`
	Key        string `json:"key,omitempty"`
	ClientID   *int   `json:"clientId,omitempty"`
}

// Changes is a drained set of touched ids, both sorted ascending.
type Changes struct {
	ResolverIDs []int
	ClientIDs   []int
}

func (c Changes) Empty() bool {
	return len(c.ResolverIDs) == 0 && len(c.ClientIDs) == 0
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	resolvers map[int]struct{}
	clients   map[int]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		resolvers: make(map[int]struct{}),
		clients:   make(map[int]struct{}),
	}
}

func (t *Tracker) TouchResolver(id int) {
	t.mu.Lock()
	t.resolvers[id] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) TouchClient(id int) {
	t.mu.Lock()
	t.clients[id] = struct{}{}
	t.mu.Unlock()
}

// Apply records ev. Blacklist events are ignored because the threat
// snapshot is refreshed on its own schedule.
func (t *Tracker) Apply(ev Event) error {
	switch ev.Collection {
	case grid.ResolverConfigurations:
		id, err := strconv.Atoi(ev.Key)
		if err != nil {
			return fmt.Errorf("resolver event key %q: %w", ev.Key, err)
		}
		t.TouchResolver(id)
		if ev.ClientID != nil {
			t.TouchClient(*ev.ClientID)
		}
	case grid.EndUserConfigurations:
		if ev.ClientID == nil {
			return fmt.Errorf("end user event %q without clientId", ev.Key)
		}
		t.TouchClient(*ev.ClientID)
	case grid.Blacklist:
	default:
		return fmt.Errorf("unknown collection %q", ev.Collection)
	}
	return nil
}

// Drain returns and clears everything touched so far.
func (t *Tracker) Drain() Changes {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Changes{
		ResolverIDs: sortedKeys(t.resolvers),
		ClientIDs:   sortedKeys(t.clients),
	}
	t.resolvers = make(map[int]struct{})
	t.clients = make(map[int]struct{})
	return c
}

// Restore puts drained ids back, used when a run could not use them.
func (t *Tracker) Restore(c Changes) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range c.ResolverIDs {
		t.resolvers[id] = struct{}{}
	}
	for _, id := range c.ClientIDs {
		t.clients[id] = struct{}{}
	}
}

func sortedKeys(m map[int]struct{}) []int {
	if len(m) == 0 {
		return nil
	}
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
