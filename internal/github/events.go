package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// RawGitHubEvent represents the raw event structure from the GitHub Events API
type RawGitHubEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// IssuesEventPayload for IssuesEvent
type IssuesEventPayload struct {
	Action string `json:"action"` // opened, closed, reopened, edited, labeled, unlabeled
	Issue  struct {
		Number      int       `json:"number"`
		PullRequest *struct{} `json:"pull_request"`
	} `json:"issue"`
}

// GetRepoEvents fetches the first page of repository events. A matching
// etag yields no events and the same etag.
func (c *Client) GetRepoEvents(ctx context.Context, owner, repo, etag string) ([]RawGitHubEvent, string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/events?per_page=100", c.baseURL, owner, repo)

	resp, err := c.doRequest(ctx, "events", url, "", etag)
	if err != nil {
		return nil, etag, err
	}

	// If 304 Not Modified, no new events
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, etag, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, etag, readErrorAndClose(resp)
	}

	newETag := resp.Header.Get("ETag")
	var events []RawGitHubEvent
	if err := readAndClose(resp, &events); err != nil {
		return nil, etag, fmt.Errorf("failed to decode response: %w", err)
	}
	return events, newETag, nil
}

// ChangedIssues returns the issue numbers whose facts events may have
// changed, ascending. Pull request events are ignored.
func ChangedIssues(events []RawGitHubEvent) []int {
	seen := make(map[int]bool)
	for _, ev := range events {
		if ev.Type != "IssuesEvent" {
			continue
		}
		var p IssuesEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Issue.PullRequest != nil {
			continue
		}
		switch p.Action {
		case "opened", "closed", "reopened", "edited", "labeled", "unlabeled", "transferred", "deleted":
			seen[p.Issue.Number] = true
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// StarsChanged reports whether any event starred the repository
func StarsChanged(events []RawGitHubEvent) bool {
	for _, ev := range events {
		if ev.Type == "WatchEvent" {
			return true
		}
	}
	return false
}
