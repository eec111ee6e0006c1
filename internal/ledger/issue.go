package ledger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
)

// IssueID identifies an issue across all target repositories
type IssueID struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

var issueRefPattern = regexp.MustCompile(`^(?:https?://github\.com/)?([A-Za-z0-9][A-Za-z0-9-]*)/([A-Za-z0-9._-]+?)(?:#|:|/issues/|/)(\d+)/?$`)

// ParseIssueID accepts owner/repo#N, owner/repo:N, owner/repo/N and
// https://github.com/owner/repo/issues/N
func ParseIssueID(s string) (IssueID, error) {
	m := issueRefPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return IssueID{}, apperr.ErrInvalidPayload.With("invalid issue reference %q", s)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return IssueID{}, apperr.ErrInvalidPayload.With("invalid issue number in %q", s)
	}
	return NewIssueID(m[1], m[2], n), nil
}

// NewIssueID normalizes owner and repo to lowercase
func NewIssueID(owner, repo string, number int) IssueID {
	return IssueID{Owner: strings.ToLower(owner), Repo: strings.ToLower(repo), Number: number}
}

// RepoName returns owner/repo
func (id IssueID) RepoName() string {
	return id.Owner + "/" + id.Repo
}

// Key returns the store key of the issue record
func (id IssueID) Key() string {
	return store.IssueKey(id.Owner, id.Repo, id.Number)
}

func (id IssueID) String() string {
	return fmt.Sprintf("%s/%s#%d", id.Owner, id.Repo, id.Number)
}

// Facts are the externally observed properties of an issue
type Facts struct {
	Closed   bool       `json:"closed"`
	Labels   []string   `json:"labels"`
	Author   string     `json:"author"`
	Title    string     `json:"title,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// HasLabel reports whether the facts carry label, ignoring case
func (f Facts) HasLabel(label string) bool {
	for _, l := range f.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// State is the lifecycle position of a claim
type State string

const (
	StatePending   State = "pending"
	StateValid     State = "valid"
	StateInvalid   State = "invalid"
	StateDuplicate State = "duplicate"
)

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateValid || s == StateInvalid || s == StateDuplicate
}

// ParseState parses a state name
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(s)); st {
	case StatePending, StateValid, StateInvalid, StateDuplicate:
		return st, nil
	}
	return "", apperr.ErrInvalidPayload.With("unknown claim state %q", s)
}

// Claim is one hotkey's claim on an issue
type Claim struct {
	Issue       IssueID    `json:"issue"`
	Hotkey      string     `json:"hotkey"`
	State       State      `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Multiplier  float64    `json:"repo_multiplier"`
}

// IssueRecord is everything the ledger knows about one issue. It is the
// value stored under issue:<owner>/<repo>:<number>.
type IssueRecord struct {
	Issue    IssueID   `json:"issue"`
	Facts    *Facts    `json:"facts,omitempty"`
	SyncedAt time.Time `json:"synced_at"`
	Claims   []Claim   `json:"claims"`
}

// Claim returns the claim held by hotkey
func (r *IssueRecord) Claim(hotkey string) (*Claim, bool) {
	for i := range r.Claims {
		if r.Claims[i].Hotkey == hotkey {
			return &r.Claims[i], true
		}
	}
	return nil, false
}

// Resolved returns the first terminal claim, if any
func (r *IssueRecord) Resolved() (*Claim, bool) {
	for i := range r.Claims {
		if r.Claims[i].State.Terminal() {
			return &r.Claims[i], true
		}
	}
	return nil, false
}

// ValidHolder returns the hotkey holding the Valid claim
func (r *IssueRecord) ValidHolder() (string, bool) {
	for _, c := range r.Claims {
		if c.State == StateValid {
			return c.Hotkey, true
		}
	}
	return "", false
}
