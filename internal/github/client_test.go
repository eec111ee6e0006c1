package github

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const issue42 = `{
	"number": 42,
	"title": "Crash on start",
	"state": "closed",
	"user": {"login": "octocat", "id": 1},
	"labels": [{"name": "valid"}, {"name": "bug"}],
	"closed_at": "2026-01-02T03:04:05Z"
}`

func TestClient_IssueFacts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/repos/ownera/repoa/issues/42":
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "4999")
			fmt.Fprint(w, issue42)
		case "/repos/ownera/repoa/issues/7":
			fmt.Fprint(w, `{"number": 7, "state": "open", "user": {"login": "x"}, "pull_request": {}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient("ghp_test", srv.URL, NewFactCache(time.Minute), nil)
	id := ledger.NewIssueID("ownerA", "repoA", 42)

	f, err := c.IssueFacts(t.Context(), id)
	require.NoError(t, err)
	assert.True(t, f.Closed)
	assert.Equal(t, "octocat", f.Author)
	assert.Equal(t, []string{"valid", "bug"}, f.Labels)
	require.NotNil(t, f.ClosedAt)
	assert.Equal(t, 4999, c.RateLimit().Remaining)

	// second read is served by the cache
	_, err = c.IssueFacts(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.IssueFacts(t.Context(), ledger.NewIssueID("ownerA", "repoA", 7))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.IssueFacts(t.Context(), ledger.NewIssueID("ownerA", "repoA", 8))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_GetAllIssuesPaginates(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/o/r/issues?state=all&page=2>; rel="next"`, srv.URL))
			fmt.Fprint(w, `[{"number": 1, "state": "open", "user": {"login": "a"}},
				{"number": 2, "state": "closed", "user": {"login": "b"}, "pull_request": {}}]`)
		case "2":
			fmt.Fprint(w, `[{"number": 3, "state": "closed", "user": {"login": "c"}, "labels": [{"name": "valid"}]}]`)
		default:
			t.Errorf("unexpected page %s", r.URL.RawQuery)
		}
	}))
	defer srv.Close()

	cache := NewFactCache(time.Minute)
	c := NewClient("", srv.URL, cache, nil)
	issues, err := c.GetAllIssues(t.Context(), "o", "r")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, 3, issues[1].Number)
	assert.Equal(t, 2, cache.Count())

	f, ok := cache.Get(ledger.NewIssueID("o", "r", 3))
	require.True(t, ok)
	assert.True(t, f.HasLabel("VALID"))
}

func TestClient_GetStargazers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github.star+json", r.Header.Get("Accept"))
		fmt.Fprint(w, `[{"starred_at": "2026-01-01T00:00:00Z", "user": {"login": "alice"}},
			{"starred_at": "2026-01-02T00:00:00Z", "user": {"login": "bob"}}]`)
	}))
	defer srv.Close()

	c := NewClient("", srv.URL, nil, nil)
	stars, err := c.GetStargazers(t.Context(), "o", "r")
	require.NoError(t, err)
	require.Len(t, stars, 2)
	assert.Equal(t, "bob", stars[1].User.Login)
}

func TestClient_StarCount(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/repos/o/a/stargazers":
			fmt.Fprint(w, `[{"user": {"login": "Alice"}}, {"user": {"login": "bob"}}]`)
		case "/repos/o/b/stargazers":
			fmt.Fprint(w, `[{"user": {"login": "alice"}}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient("", srv.URL, NewFactCache(time.Minute), nil)
	c.SetRepos([]string{"o/a", "o/b"})

	n, err := c.StarCount(t.Context(), "ALICE")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = c.StarCount(t.Context(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.StarCount(t.Context(), "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
	// one fetch per repository, then the cache
	assert.Equal(t, int32(2), hits.Load())

	c.SetRepos([]string{"o/missing"})
	_, err = c.StarCount(t.Context(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "1700000000")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient("", srv.URL, nil, nil)
	_, err := c.GetIssue(t.Context(), ledger.NewIssueID("o", "r", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestClient_GetRepoEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, `[
			{"id": "1", "type": "IssuesEvent", "payload": {"action": "closed", "issue": {"number": 9}}},
			{"id": "2", "type": "IssuesEvent", "payload": {"action": "labeled", "issue": {"number": 4}}},
			{"id": "3", "type": "IssuesEvent", "payload": {"action": "closed", "issue": {"number": 5, "pull_request": {}}}},
			{"id": "4", "type": "IssuesEvent", "payload": {"action": "assigned", "issue": {"number": 6}}},
			{"id": "5", "type": "IssuesEvent", "payload": {"action": "closed", "issue": {"number": 9}}},
			{"id": "6", "type": "PushEvent", "payload": {}}
		]`)
	}))
	defer srv.Close()

	c := NewClient("", srv.URL, nil, nil)
	events, etag, err := c.GetRepoEvents(t.Context(), "o", "r", "")
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, etag)
	assert.Equal(t, []int{4, 9}, ChangedIssues(events))
	assert.False(t, StarsChanged(events))

	events, etag, err = c.GetRepoEvents(t.Context(), "o", "r", etag)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, `"v1"`, etag)
}

func TestParseLinkNext(t *testing.T) {
	assert.Equal(t, "", parseLinkNext(""))
	assert.Equal(t, "https://x/2", parseLinkNext(`<https://x/2>; rel="next", <https://x/9>; rel="last"`))
	assert.Equal(t, "", parseLinkNext(`<https://x/1>; rel="prev"`))
}
