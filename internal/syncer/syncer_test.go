package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/engine"
	"github.com/skridlevsky/openchaos-bounty/internal/github"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu         sync.Mutex
	issues     map[int]github.GitHubIssue
	stargazers []string
	events     []github.RawGitHubEvent
	fullScans  int
	single     []int
}

func issue(n int, state, author string, labels ...string) github.GitHubIssue {
	var i github.GitHubIssue
	i.Number = n
	i.State = state
	i.User.Login = author
	for _, l := range labels {
		i.Labels = append(i.Labels, struct {
			Name string `json:"name"`
		}{Name: l})
	}
	return i
}

func (f *fakeSource) GetAllIssues(ctx context.Context, owner, repo string) ([]github.GitHubIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullScans++
	var out []github.GitHubIssue
	for n := 1; n <= 100; n++ {
		if i, ok := f.issues[n]; ok {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeSource) GetIssue(ctx context.Context, id ledger.IssueID) (*github.GitHubIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.single = append(f.single, id.Number)
	i, ok := f.issues[id.Number]
	if !ok {
		return nil, github.ErrNotFound
	}
	return &i, nil
}

func (f *fakeSource) GetStargazers(ctx context.Context, owner, repo string) ([]github.Stargazer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]github.Stargazer, len(f.stargazers))
	for i, login := range f.stargazers {
		out[i].User.Login = login
	}
	return out, nil
}

func (f *fakeSource) GetRepoEvents(ctx context.Context, owner, repo, etag string) ([]github.RawGitHubEvent, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events
	f.events = nil
	return events, "etag", nil
}

func (f *fakeSource) RateLimit() *github.RateLimit { return nil }

func closedEvent(n int) github.RawGitHubEvent {
	payload, _ := json.Marshal(map[string]any{"action": "closed", "issue": map[string]any{"number": n}})
	return github.RawGitHubEvent{Type: "IssuesEvent", Payload: payload}
}

type fakeLedger struct {
	mu       sync.Mutex
	syncs    []engine.SyncPayload
	resolves int
	reviews  int
}

func (l *fakeLedger) ProposeSync(ctx context.Context, sp engine.SyncPayload, proposer string) (*consensus.Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncs = append(l.syncs, sp)
	return &consensus.Proposal{ID: "p", Status: consensus.StatusPending}, nil
}

func (l *fakeLedger) ResolveClosed(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolves++
	return 0, nil
}

func (l *fakeLedger) ReviewPending(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reviews++
	return 0, nil
}

func (l *fakeLedger) syncCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.syncs)
}

func TestNew_InvalidRepo(t *testing.T) {
	_, err := New(&fakeSource{}, &fakeLedger{}, Config{Repos: []string{"nope"}})
	require.Error(t, err)
	_, err = New(&fakeSource{}, &fakeLedger{}, Config{})
	require.Error(t, err)
}

func TestSyncOnce_FullThenIncremental(t *testing.T) {
	src := &fakeSource{
		issues: map[int]github.GitHubIssue{
			1: issue(1, "open", "alice"),
			2: issue(2, "closed", "bob", "valid"),
		},
		stargazers: []string{"Alice"},
	}
	l := &fakeLedger{}
	s, err := New(src, l, Config{Repos: []string{"ownerA/repoA"}, AutoVote: true})
	require.NoError(t, err)

	require.NoError(t, s.SyncOnce(t.Context()))
	require.Len(t, l.syncs, 1)
	first := l.syncs[0]
	require.Len(t, first.Issues, 2)
	assert.Equal(t, ledger.NewIssueID("ownera", "repoa", 1), first.Issues[0].Issue)
	assert.True(t, first.Issues[1].Facts.Closed)
	assert.Equal(t, []engine.StarRecord{{GitHubUsername: "alice", Count: 1}}, first.Stars)
	assert.Equal(t, 1, l.resolves)
	assert.Equal(t, 1, l.reviews)

	// nothing changed: no proposal
	require.NoError(t, s.SyncOnce(t.Context()))
	assert.Len(t, l.syncs, 1)

	// issue 1 closes; only it is refetched and proposed
	src.mu.Lock()
	src.issues[1] = issue(1, "closed", "alice", "valid")
	src.events = []github.RawGitHubEvent{closedEvent(1)}
	src.mu.Unlock()
	require.NoError(t, s.SyncOnce(t.Context()))
	require.Len(t, l.syncs, 2)
	require.Len(t, l.syncs[1].Issues, 1)
	assert.Equal(t, 1, l.syncs[1].Issues[0].Issue.Number)
	assert.Empty(t, l.syncs[1].Stars)
	assert.Equal(t, 1, src.fullScans)
	assert.Equal(t, []int{1}, src.single)
}

func TestStarDelta_IncludesUnstars(t *testing.T) {
	src := &fakeSource{issues: map[int]github.GitHubIssue{}, stargazers: []string{"alice", "bob"}}
	l := &fakeLedger{}
	s, err := New(src, l, Config{Repos: []string{"o/r1", "o/r2"}})
	require.NoError(t, err)

	require.NoError(t, s.SyncOnce(t.Context()))
	require.Len(t, l.syncs, 1)
	assert.Equal(t, []engine.StarRecord{
		{GitHubUsername: "alice", Count: 2},
		{GitHubUsername: "bob", Count: 2},
	}, l.syncs[0].Stars)

	src.mu.Lock()
	src.stargazers = []string{"alice"}
	src.mu.Unlock()
	s.mu.Lock()
	s.cycle = 0 // force a full scan
	s.mu.Unlock()
	require.NoError(t, s.SyncOnce(t.Context()))
	require.Len(t, l.syncs, 2)
	assert.Equal(t, []engine.StarRecord{
		{GitHubUsername: "alice", Count: 2},
		{GitHubUsername: "bob", Count: 0},
	}, l.syncs[1].Stars)
}

func TestBackfill(t *testing.T) {
	src := &fakeSource{issues: map[int]github.GitHubIssue{3: issue(3, "closed", "carol", "valid")}}
	l := &fakeLedger{}
	s, err := New(src, l, Config{Repos: []string{"o/r"}})
	require.NoError(t, err)

	p, err := s.Backfill(t.Context())
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Len(t, l.syncs, 1)
	assert.Zero(t, l.resolves)
}

func TestRunStop(t *testing.T) {
	src := &fakeSource{issues: map[int]github.GitHubIssue{1: issue(1, "open", "alice")}}
	l := &fakeLedger{}
	s, err := New(src, l, Config{Repos: []string{"o/r"}, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	s.Run(context.Background())
	require.Eventually(t, func() bool { return l.syncCount() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Equal(t, "ok", s.Status().Status)
}
