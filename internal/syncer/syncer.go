// Package syncer polls GitHub for the facts of target repository issues
// and feeds them into consensus as sync proposals.
//
// Each cycle it proposes changed issue facts and star counts, proposes
// resolutions for pending claims on closed issues and, when auto-vote is on,
// fact-checks and votes on proposals from other validators.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/engine"
	"github.com/skridlevsky/openchaos-bounty/internal/github"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/metrics"
)

// fullScanEvery forces a full issue scan every Nth cycle; in between only
// issues named by the events feed are refetched.
const fullScanEvery = 10

// lowRateLimit is the remaining-request floor below which a cycle is skipped
const lowRateLimit = 10

// Source is the GitHub side of the syncer
type Source interface {
	GetAllIssues(ctx context.Context, owner, repo string) ([]github.GitHubIssue, error)
	GetIssue(ctx context.Context, id ledger.IssueID) (*github.GitHubIssue, error)
	GetStargazers(ctx context.Context, owner, repo string) ([]github.Stargazer, error)
	GetRepoEvents(ctx context.Context, owner, repo, etag string) ([]github.RawGitHubEvent, string, error)
	RateLimit() *github.RateLimit
}

// Ledger is the engine side of the syncer
type Ledger interface {
	ProposeSync(ctx context.Context, sp engine.SyncPayload, proposer string) (*consensus.Proposal, error)
	ResolveClosed(ctx context.Context) (int, error)
	ReviewPending(ctx context.Context) (int, error)
}

// Config holds syncer settings
type Config struct {
	// Repos are owner/repo names of the target repositories
	Repos    []string
	Interval time.Duration
	AutoVote bool
	Metrics  *metrics.Metrics
}

type repoState struct {
	owner, repo string
	etag        string
	stargazers  map[string]bool // lowercase login
	starsLoaded bool
}

// Syncer coordinates polling of GitHub and submission of sync proposals
type Syncer struct {
	src     Source
	ledger  Ledger
	cfg     Config
	metrics *metrics.Metrics

	// State tracking, owned by the polling goroutine
	repos     []*repoState
	submitted map[string]ledger.Facts // issue key → last proposed facts
	stars     map[string]int          // lowercase login → last proposed count
	cycle     int
	mu        sync.Mutex

	// Status tracking for health endpoint
	lastRun  time.Time
	status   string
	statusMu sync.RWMutex

	// Lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a syncer. Returns an error if a repo is not in "owner/repo"
// format.
func New(src Source, l Ledger, cfg Config) (*Syncer, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	s := &Syncer{
		src:       src,
		ledger:    l,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		submitted: make(map[string]ledger.Facts),
		stars:     make(map[string]int),
		status:    "idle",
		stopCh:    make(chan struct{}),
	}
	names := append([]string(nil), cfg.Repos...)
	sort.Strings(names)
	for _, name := range names {
		parts := strings.Split(name, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid repo format: %s (expected owner/repo)", name)
		}
		s.repos = append(s.repos, &repoState{
			owner:      strings.ToLower(parts[0]),
			repo:       strings.ToLower(parts[1]),
			stargazers: make(map[string]bool),
		})
	}
	if len(s.repos) == 0 {
		return nil, fmt.Errorf("no repositories to sync")
	}
	return s, nil
}

// Run starts the polling loop
func (s *Syncer) Run(ctx context.Context) {
	slog.Info("Syncer starting",
		"repos", s.cfg.Repos,
		"interval", s.cfg.Interval,
		"auto_vote", s.cfg.AutoVote,
	)

	s.wg.Add(1)
	go s.poll(ctx)
}

// Stop gracefully shuts down the syncer. Safe to call multiple times.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		slog.Info("Syncer stopping...")
		close(s.stopCh)
		s.wg.Wait()
		slog.Info("Syncer stopped")
	})
}

func (s *Syncer) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on startup
	s.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) runCycle(ctx context.Context) {
	s.setStatus("running")
	if err := s.SyncOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("Sync cycle failed", "error", err)
		s.setStatus("error: " + err.Error())
		return
	}
	s.setStatus("ok")
}

// SyncOnce runs a single cycle. The first cycle and every fullScanEvery-th
// cycle after it rescan every issue.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rl := s.src.RateLimit(); rl != nil && rl.Remaining < lowRateLimit && time.Now().Before(rl.Reset) {
		slog.Warn("GitHub rate limit low, skipping cycle",
			"remaining", rl.Remaining,
			"reset", rl.Reset,
		)
		s.metrics.SyncRun("skipped")
		return nil
	}

	full := s.cycle%fullScanEvery == 0
	s.cycle++

	sp, err := s.collect(ctx, full)
	if err != nil {
		s.metrics.SyncRun("error")
		return err
	}

	if len(sp.Issues) > 0 || len(sp.Stars) > 0 {
		p, err := s.ledger.ProposeSync(ctx, sp, "")
		if err != nil {
			s.metrics.SyncRun("error")
			return fmt.Errorf("failed to propose sync: %w", err)
		}
		for _, f := range sp.Issues {
			s.submitted[f.Issue.Key()] = f.Facts
		}
		for _, r := range sp.Stars {
			s.stars[r.GitHubUsername] = r.Count
		}
		slog.Info("Sync proposed",
			"proposal_id", p.ID,
			"status", p.Status,
			"issues", len(sp.Issues),
			"stars", len(sp.Stars),
			"full_scan", full,
		)
	}

	resolved, err := s.ledger.ResolveClosed(ctx)
	if err != nil {
		s.metrics.SyncRun("error")
		return fmt.Errorf("failed to propose resolutions: %w", err)
	}
	votes := 0
	if s.cfg.AutoVote {
		if votes, err = s.ledger.ReviewPending(ctx); err != nil {
			s.metrics.SyncRun("error")
			return fmt.Errorf("failed to review pending proposals: %w", err)
		}
	}

	if resolved > 0 || votes > 0 {
		slog.Info("Sync cycle completed",
			"resolutions_proposed", resolved,
			"votes_cast", votes,
		)
	}
	s.metrics.SyncRun("ok")
	return nil
}

// Backfill fetches every issue and stargazer once and proposes the facts,
// without resolving or voting.
func (s *Syncer) Backfill(ctx context.Context) (*consensus.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, err := s.collect(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(sp.Issues) == 0 && len(sp.Stars) == 0 {
		return nil, nil
	}
	return s.ledger.ProposeSync(ctx, sp, "")
}

// collect builds the sync payload. Incremental cycles only carry facts that
// changed since the last proposal; a full scan carries everything, so an
// unchanged repository reproduces the same payload and proposal id.
func (s *Syncer) collect(ctx context.Context, full bool) (engine.SyncPayload, error) {
	var sp engine.SyncPayload
	starsDirty := false

	for _, rs := range s.repos {
		events, etag, err := s.src.GetRepoEvents(ctx, rs.owner, rs.repo, rs.etag)
		if err != nil {
			// Events only narrow the scan; fall back to a full one
			slog.Warn("Failed to fetch events", "owner", rs.owner, "repo", rs.repo, "error", err)
			full = true
		} else {
			rs.etag = etag
		}

		var issues []github.GitHubIssue
		if full {
			issues, err = s.src.GetAllIssues(ctx, rs.owner, rs.repo)
			if err != nil {
				return sp, fmt.Errorf("failed to fetch issues of %s/%s: %w", rs.owner, rs.repo, err)
			}
		} else {
			for _, n := range github.ChangedIssues(events) {
				issue, err := s.src.GetIssue(ctx, ledger.NewIssueID(rs.owner, rs.repo, n))
				if errors.Is(err, github.ErrNotFound) {
					continue
				}
				if err != nil {
					return sp, fmt.Errorf("failed to fetch %s/%s#%d: %w", rs.owner, rs.repo, n, err)
				}
				issues = append(issues, *issue)
			}
		}
		for _, issue := range issues {
			id := ledger.NewIssueID(rs.owner, rs.repo, issue.Number)
			facts := issue.Facts()
			if prev, ok := s.submitted[id.Key()]; ok && !full && sameFacts(prev, facts) {
				continue
			}
			sp.Issues = append(sp.Issues, engine.IssueFacts{Issue: id, Facts: facts})
		}

		if full || !rs.starsLoaded || github.StarsChanged(events) {
			stargazers, err := s.src.GetStargazers(ctx, rs.owner, rs.repo)
			if err != nil {
				return sp, fmt.Errorf("failed to fetch stargazers of %s/%s: %w", rs.owner, rs.repo, err)
			}
			rs.stargazers = make(map[string]bool, len(stargazers))
			for _, sg := range stargazers {
				rs.stargazers[strings.ToLower(sg.User.Login)] = true
			}
			rs.starsLoaded = true
			starsDirty = true
		}
	}

	if starsDirty {
		sp.Stars = s.starDelta(full)
	}
	return sp, nil
}

// starDelta returns star records whose count differs from the last proposal,
// including drops to zero. A full scan returns every known count.
func (s *Syncer) starDelta(full bool) []engine.StarRecord {
	counts := make(map[string]int)
	for _, rs := range s.repos {
		for login := range rs.stargazers {
			counts[login]++
		}
	}
	for login := range s.stars {
		if _, ok := counts[login]; !ok {
			counts[login] = 0
		}
	}
	var out []engine.StarRecord
	for login, n := range counts {
		if prev, ok := s.stars[login]; ok && prev == n && !full {
			continue
		}
		if n == 0 {
			if _, ok := s.stars[login]; !ok {
				continue
			}
		}
		out = append(out, engine.StarRecord{GitHubUsername: login, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GitHubUsername < out[j].GitHubUsername })
	return out
}

func sameFacts(a, b ledger.Facts) bool {
	if a.Closed != b.Closed || !strings.EqualFold(a.Author, b.Author) || len(a.Labels) != len(b.Labels) {
		return false
	}
	la := append([]string(nil), a.Labels...)
	lb := append([]string(nil), b.Labels...)
	sort.Strings(la)
	sort.Strings(lb)
	for i := range la {
		if !strings.EqualFold(la[i], lb[i]) {
			return false
		}
	}
	return true
}

func (s *Syncer) setStatus(status string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lastRun = time.Now()
	s.status = status
}

// Status reports the last cycle for the health endpoint
type Status struct {
	LastRun time.Time `json:"last_run"`
	Status  string    `json:"status"`
}

// Status returns the state of the last cycle
func (s *Syncer) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return Status{LastRun: s.lastRun, Status: s.status}
}
