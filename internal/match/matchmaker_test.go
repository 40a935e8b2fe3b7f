package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"blastio-server/internal/cache"
)

type fakeStore struct {
	mu          sync.Mutex
	entries     map[string]cache.QueueEntry
	assignments map[string]cache.Assignment
	commits     [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:     make(map[string]cache.QueueEntry),
		assignments: make(map[string]cache.Assignment),
	}
}

func (f *fakeStore) Enqueue(_ context.Context, e cache.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.UserID] = e
	return nil
}

func (f *fakeStore) RemoveFromQueue(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, userID)
	return nil
}

func (f *fakeStore) SnapshotQueue(_ context.Context) ([]cache.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cache.QueueEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) QueueSize(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries)), nil
}

func (f *fakeStore) CommitMatch(_ context.Context, userIDs []string, a cache.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range userIDs {
		delete(f.entries, id)
		f.assignments[id] = a
	}
	f.commits = append(f.commits, userIDs)
	return nil
}

type fakeRatings map[string]int

func (f fakeRatings) MMR(_ context.Context, userID string) (int, error) {
	return f[userID], nil
}

type sentMsg struct {
	userID  string
	msgType string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeNotifier) SendToUser(userID, msgType string, _ interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{userID, msgType})
	return true
}

func (f *fakeNotifier) byType(msgType string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.msgType == msgType {
			out = append(out, m.userID)
		}
	}
	return out
}

func testMatchmaker(t *testing.T, store QueueStore, notify Notifier) *Matchmaker {
	t.Helper()
	factory := func(matchID string, expected int) *Controller {
		return NewController(matchID, Config{
			Expected:    expected,
			MinPlayers:  1,
			EndingGrace: 10 * time.Millisecond,
			Logger:      zap.NewNop(),
		})
	}
	return NewMatchmaker(MatchmakerConfig{
		MinPlayers: 2,
		MaxPlayers: 16,
		Interval:   time.Second,
	}, store, fakeRatings{}, notify, factory, zap.NewNop())
}

func entry(userID string, mmr int, waited time.Duration) cache.QueueEntry {
	return cache.QueueEntry{
		UserID:   userID,
		Username: userID,
		MMR:      mmr,
		JoinedAt: time.Now().Add(-waited),
	}
}

func TestNoGroupBelowMinPlayers(t *testing.T) {
	store := newFakeStore()
	notify := &fakeNotifier{}
	m := testMatchmaker(t, store, notify)

	store.entries["solo"] = entry("solo", 1000, 0)
	m.cycle(context.Background())

	if len(store.commits) != 0 {
		t.Errorf("a single player must not form a group: %v", store.commits)
	}
	if len(store.entries) != 1 {
		t.Error("entry should stay queued")
	}
}

func TestPairCommitWritesAssignments(t *testing.T) {
	store := newFakeStore()
	notify := &fakeNotifier{}
	m := testMatchmaker(t, store, notify)

	store.entries["a"] = entry("a", 1000, 0)
	store.entries["b"] = entry("b", 1050, 0)
	m.cycle(context.Background())

	if len(store.commits) != 1 || len(store.commits[0]) != 2 {
		t.Fatalf("expected one group of two, got %v", store.commits)
	}
	if len(store.entries) != 0 {
		t.Error("committed members must leave the queue")
	}

	aAssign, ok := store.assignments["a"]
	if !ok {
		t.Fatal("assignment missing for a")
	}
	bAssign := store.assignments["b"]
	if aAssign.MatchID != bAssign.MatchID {
		t.Error("both members must share the matchID")
	}
	if aAssign.PlayerCount != 2 {
		t.Errorf("assignment playerCount = %d, want 2", aAssign.PlayerCount)
	}

	found := notify.byType("matchmaking:match_found")
	if len(found) != 2 {
		t.Errorf("both players should be notified, got %v", found)
	}
	if m.ActiveMatches() != 1 {
		t.Errorf("controller should be registered, active=%d", m.ActiveMatches())
	}
}

func TestWindowExcludesDistantMMR(t *testing.T) {
	store := newFakeStore()
	m := testMatchmaker(t, store, &fakeNotifier{})

	// Fresh anchor: window 100; 1000 vs 1300 stays apart.
	store.entries["low"] = entry("low", 1000, 0)
	store.entries["high"] = entry("high", 1300, 0)
	m.cycle(context.Background())
	if len(store.commits) != 0 {
		t.Fatalf("300 MMR apart with fresh window must not group")
	}

	// After 40s the anchor's window is 100+50×4=300: now eligible.
	store.entries["low"] = entry("low", 1000, 40*time.Second)
	m.cycle(context.Background())
	if len(store.commits) != 1 {
		t.Fatalf("widened window should group, commits=%v", store.commits)
	}
}

func TestWindowFor(t *testing.T) {
	cases := []struct {
		wait time.Duration
		want int
	}{
		{0, 100},
		{9 * time.Second, 100},
		{10 * time.Second, 150},
		{35 * time.Second, 250},
		{80 * time.Second, 500},
		{200 * time.Second, 500}, // capped
	}
	for _, c := range cases {
		if got := windowFor(c.wait); got != c.want {
			t.Errorf("windowFor(%v) = %d, want %d", c.wait, got, c.want)
		}
	}
}

func TestGroupCapsAtMaxPlayers(t *testing.T) {
	store := newFakeStore()
	m := testMatchmaker(t, store, &fakeNotifier{})

	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		store.entries[id] = entry(id, 1000+i, 0)
	}
	m.cycle(context.Background())

	if len(store.commits) != 2 {
		t.Fatalf("expected groups of 16 and 4, got %d groups", len(store.commits))
	}
	if len(store.commits[0]) != 16 {
		t.Errorf("first group should cap at 16, got %d", len(store.commits[0]))
	}
	if len(store.commits[1]) != 4 {
		t.Errorf("remainder should form its own group, got %d", len(store.commits[1]))
	}
}

func TestEqualMMRTieBreaksOnJoinTime(t *testing.T) {
	m := testMatchmaker(t, newFakeStore(), &fakeNotifier{})

	entries := []cache.QueueEntry{
		entry("newer", 1000, 5*time.Second),
		entry("older", 1000, 30*time.Second),
		entry("mid", 1000, 15*time.Second),
	}
	groups := m.composeGroups(entries, time.Now())
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	want := []string{"older", "mid", "newer"}
	for i, e := range groups[0] {
		if e.UserID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], e.UserID)
		}
	}
}

func TestQueueTimeoutExpiresEntries(t *testing.T) {
	store := newFakeStore()
	notify := &fakeNotifier{}
	m := testMatchmaker(t, store, notify)

	store.entries["stale"] = entry("stale", 1000, 6*time.Minute)
	m.cycle(context.Background())

	if _, ok := store.entries["stale"]; ok {
		t.Error("stale entry should be removed")
	}
	if got := notify.byType("matchmaking:timeout"); len(got) != 1 || got[0] != "stale" {
		t.Errorf("stale player should be notified of timeout, got %v", got)
	}
}

func TestJoinDedupsAndDefaultsGuestMMR(t *testing.T) {
	store := newFakeStore()
	m := testMatchmaker(t, store, &fakeNotifier{})
	ctx := context.Background()

	if err := m.Join(ctx, "guest_1", "guest"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got := store.entries["guest_1"].MMR; got != GuestMMR {
		t.Errorf("guest MMR = %d, want %d", got, GuestMMR)
	}

	first := store.entries["guest_1"].JoinedAt
	time.Sleep(5 * time.Millisecond)
	if err := m.Join(ctx, "guest_1", "guest"); err != nil {
		t.Fatalf("re-Join: %v", err)
	}
	if len(store.entries) != 1 {
		t.Errorf("re-join must not duplicate, entries=%d", len(store.entries))
	}
	if !store.entries["guest_1"].JoinedAt.After(first) {
		t.Error("re-join should refresh the entry")
	}
}

func TestLeaveIsBestEffort(t *testing.T) {
	store := newFakeStore()
	m := testMatchmaker(t, store, &fakeNotifier{})

	// Leaving while not queued is not an error.
	if err := m.Leave(context.Background(), "ghost"); err != nil {
		t.Errorf("Leave of absent user should succeed: %v", err)
	}
}
