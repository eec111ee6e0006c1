package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/metrics"
)

// DefaultBaseURL is the public GitHub REST endpoint
const DefaultBaseURL = "https://api.github.com"

// ErrNotFound is returned when GitHub answers 404
var ErrNotFound = errors.New("not found on github")

// Client wraps the GitHub REST API
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	cache      *FactCache
	metrics    *metrics.Metrics

	mu        sync.Mutex
	rateLimit *RateLimit
	repos     []string // owner/repo counted by StarCount
}

// NewClient creates a new GitHub API client. cache and m may be nil.
func NewClient(token, baseURL string, cache *FactCache, m *metrics.Metrics) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache:   cache,
		metrics: m,
	}
}

// doRequest makes an authenticated GET request. endpoint labels metrics.
func (c *Client) doRequest(ctx context.Context, endpoint, url, accept string, etag string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	if accept == "" {
		accept = "application/vnd.github.v3+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "OpenChaos-Bounty-Validator")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.GitHubRequest(endpoint, 0)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.metrics.GitHubRequest(endpoint, resp.StatusCode)
	if resp.Header.Get("X-RateLimit-Limit") != "" {
		rl := GetRateLimitFromHeaders(resp.Header)
		c.mu.Lock()
		c.rateLimit = rl
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
			resetTime := resp.Header.Get("X-RateLimit-Reset")
			resp.Body.Close()
			return nil, fmt.Errorf("rate limit exceeded, resets at: %s", resetTime)
		}
	}

	return resp, nil
}

// readAndClose reads the body and closes it. Use in paginated loops
// instead of defer resp.Body.Close() to avoid leaking connections.
func readAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// readErrorAndClose reads an error body and closes it.
func readErrorAndClose(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("github API error %d: %s", resp.StatusCode, string(body))
}

// GitHubIssue represents an issue from GitHub API
type GitHubIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at"`
	PullRequest *struct{}  `json:"pull_request,omitempty"` // Present if this is actually a PR
}

// Facts converts the API issue into ledger facts
func (i GitHubIssue) Facts() ledger.Facts {
	f := ledger.Facts{
		Closed:   i.State == "closed",
		Author:   i.User.Login,
		Title:    i.Title,
		ClosedAt: i.ClosedAt,
		Labels:   make([]string, 0, len(i.Labels)),
	}
	for _, l := range i.Labels {
		f.Labels = append(f.Labels, l.Name)
	}
	return f
}

// GetIssue fetches a single issue. Pull requests are reported as not found.
func (c *Client) GetIssue(ctx context.Context, id ledger.IssueID) (*GitHubIssue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d", c.baseURL, id.Owner, id.Repo, id.Number)

	resp, err := c.doRequest(ctx, "issue", url, "", "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readErrorAndClose(resp)
	}

	var issue GitHubIssue
	if err := readAndClose(resp, &issue); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if issue.PullRequest != nil {
		return nil, fmt.Errorf("%s is a pull request: %w", id, ErrNotFound)
	}
	return &issue, nil
}

// IssueFacts returns the facts of an issue, served from the cache when
// fresh. It satisfies engine.FactSource.
func (c *Client) IssueFacts(ctx context.Context, id ledger.IssueID) (ledger.Facts, error) {
	if c.cache != nil {
		if f, ok := c.cache.Get(id); ok {
			return f, nil
		}
	}
	issue, err := c.GetIssue(ctx, id)
	if err != nil {
		return ledger.Facts{}, err
	}
	f := issue.Facts()
	if c.cache != nil {
		c.cache.Put(id, f)
	}
	return f, nil
}

// GetAllIssues fetches all issues (open and closed) following Link
// pagination. Pull requests are filtered out and facts are cached.
func (c *Client) GetAllIssues(ctx context.Context, owner, repo string) ([]GitHubIssue, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues?state=all&per_page=100", c.baseURL, owner, repo)
	allIssues := []GitHubIssue{}

	err := c.paginate(ctx, "issues", url, "", func(resp *http.Response) (int, error) {
		var issues []GitHubIssue
		if err := readAndClose(resp, &issues); err != nil {
			return 0, fmt.Errorf("failed to decode response: %w", err)
		}
		for i := range issues {
			if issues[i].PullRequest != nil {
				continue
			}
			allIssues = append(allIssues, issues[i])
			if c.cache != nil {
				c.cache.Put(ledger.NewIssueID(owner, repo, issues[i].Number), issues[i].Facts())
			}
		}
		return len(issues), nil
	})
	if err != nil {
		return nil, err
	}
	return allIssues, nil
}

// Stargazer represents a stargazer with timestamp
type Stargazer struct {
	StarredAt time.Time `json:"starred_at"`
	User      struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	} `json:"user"`
}

// GetStargazers fetches all stargazers with timestamps
func (c *Client) GetStargazers(ctx context.Context, owner, repo string) ([]Stargazer, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/stargazers?per_page=100", c.baseURL, owner, repo)
	allStargazers := []Stargazer{}

	// Special accept header to get timestamps
	err := c.paginate(ctx, "stargazers", url, "application/vnd.github.star+json", func(resp *http.Response) (int, error) {
		var stargazers []Stargazer
		if err := readAndClose(resp, &stargazers); err != nil {
			return 0, fmt.Errorf("failed to decode response: %w", err)
		}
		allStargazers = append(allStargazers, stargazers...)
		return len(stargazers), nil
	})
	if err != nil {
		return nil, err
	}
	return allStargazers, nil
}

// SetRepos sets the owner/repo names StarCount looks at
func (c *Client) SetRepos(repos []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repos = append([]string(nil), repos...)
}

// StarCount returns how many of the target repositories username has
// starred. Stargazer sets are served from the cache when fresh. It
// satisfies engine.FactSource.
func (c *Client) StarCount(ctx context.Context, username string) (int, error) {
	c.mu.Lock()
	repos := c.repos
	c.mu.Unlock()

	login := strings.ToLower(username)
	n := 0
	for _, name := range repos {
		set, err := c.stargazerSet(ctx, name)
		if err != nil {
			return 0, err
		}
		if set[login] {
			n++
		}
	}
	return n, nil
}

func (c *Client) stargazerSet(ctx context.Context, name string) (map[string]bool, error) {
	if c.cache != nil {
		if set, ok := c.cache.Stargazers(name); ok {
			return set, nil
		}
	}
	owner, repo, ok := strings.Cut(strings.TrimSpace(name), "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid repository name %q", name)
	}
	stargazers, err := c.GetStargazers(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stargazers of %s: %w", name, err)
	}
	set := make(map[string]bool, len(stargazers))
	for _, sg := range stargazers {
		set[strings.ToLower(sg.User.Login)] = true
	}
	if c.cache != nil {
		c.cache.PutStargazers(name, set)
	}
	return set, nil
}

// paginate follows Link rel="next" headers, handing each 200 response to
// page. It stops on an empty page or after maxPages.
func (c *Client) paginate(ctx context.Context, endpoint, url, accept string, page func(*http.Response) (int, error)) error {
	const maxPages = 100
	for i := 0; i < maxPages && url != ""; i++ {
		resp, err := c.doRequest(ctx, endpoint, url, accept, "")
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return readErrorAndClose(resp)
		}
		next := parseLinkNext(resp.Header.Get("Link"))
		n, err := page(resp)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		url = next
	}
	return nil
}

// parseLinkNext extracts the "next" URL from a GitHub Link header.
// Format: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, `rel="next"`) {
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}
	return ""
}

// RateLimit holds GitHub rate limit info
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// RateLimit returns the limits reported by the last response, if any
func (c *Client) RateLimit() *RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

// GetRateLimitFromHeaders extracts rate limit info from response headers
func GetRateLimitFromHeaders(headers http.Header) *RateLimit {
	limit, _ := strconv.Atoi(headers.Get("X-RateLimit-Limit"))
	remaining, _ := strconv.Atoi(headers.Get("X-RateLimit-Remaining"))
	reset, _ := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)

	return &RateLimit{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(reset, 0),
	}
}
