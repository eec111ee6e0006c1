package registry

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/identity"
)

// Policy decides what happens when a registered hotkey registers a
// different username.
type Policy string

const (
	// PolicyReplace swaps the hotkey's username and frees the old one
	PolicyReplace Policy = "replace"
	// PolicyReject refuses with HotkeyTaken
	PolicyReject Policy = "reject"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	return p == PolicyReplace || p == PolicyReject
}

// DefaultSkew is the accepted distance between a request timestamp and
// the evaluation time.
const DefaultSkew = 5 * time.Minute

// GitHub logins: alphanumeric or single hyphens, at most 39 characters
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-[A-Za-z0-9]){0,38}$`)

// Request is a signed registration as received from a hotkey
type Request struct {
	Hotkey         string `json:"hotkey"`
	GitHubUsername string `json:"github_username"`
	Signature      string `json:"signature"`
	Timestamp      int64  `json:"timestamp"`
}

// Registration binds a hotkey to a GitHub username
type Registration struct {
	Hotkey         string    `json:"hotkey"`
	GitHubUsername string    `json:"github_username"` // display case
	RegisteredAt   time.Time `json:"registered_at"`
	Signature      string    `json:"signature"`
	Timestamp      int64     `json:"timestamp"`
}

// Username returns the lowercase lookup key
func (r Registration) Username() string {
	return strings.ToLower(r.GitHubUsername)
}

// Verify checks the request shape, timestamp freshness and signature.
// It does not look at existing bindings.
func Verify(req Request, v identity.Verifier, now time.Time, skew time.Duration) error {
	if req.Hotkey == "" {
		return apperr.ErrInvalidPayload.With("hotkey is required")
	}
	if !usernamePattern.MatchString(req.GitHubUsername) {
		return apperr.ErrInvalidPayload.With("invalid github username %q", req.GitHubUsername)
	}
	if skew <= 0 {
		skew = DefaultSkew
	}
	drift := now.Sub(time.Unix(req.Timestamp, 0))
	if drift > skew || drift < -skew {
		return apperr.ErrExpiredTimestamp.With("timestamp %d is %s away from server time", req.Timestamp, drift.Round(time.Second))
	}
	if !v.Verify(identity.RegisterMessage(req.GitHubUsername, req.Timestamp), req.Signature, req.Hotkey) {
		return apperr.ErrInvalidSignature.With("signature does not verify for hotkey %s", req.Hotkey)
	}
	return nil
}

// Registry is the injective hotkey <-> username map. Both directions are
// plain map lookups.
type Registry struct {
	policy     Policy
	byHotkey   map[string]Registration
	byUsername map[string]string
}

// New creates an empty registry
func New(policy Policy) *Registry {
	if !policy.Valid() {
		policy = PolicyReplace
	}
	return &Registry{
		policy:     policy,
		byHotkey:   make(map[string]Registration),
		byUsername: make(map[string]string),
	}
}

// Clone returns an independent copy
func (r *Registry) Clone() *Registry {
	out := &Registry{
		policy:     r.policy,
		byHotkey:   make(map[string]Registration, len(r.byHotkey)),
		byUsername: make(map[string]string, len(r.byUsername)),
	}
	for hk, reg := range r.byHotkey {
		out.byHotkey[hk] = reg
	}
	for u, hk := range r.byUsername {
		out.byUsername[u] = hk
	}
	return out
}

// Check reports whether req can be bound without breaking injectivity
func (r *Registry) Check(req Request) error {
	username := strings.ToLower(req.GitHubUsername)
	if owner, ok := r.byUsername[username]; ok && owner != req.Hotkey {
		return apperr.ErrUsernameTaken.With("github username %s is registered to another hotkey", req.GitHubUsername)
	}
	if existing, ok := r.byHotkey[req.Hotkey]; ok && existing.Username() != username && r.policy == PolicyReject {
		return apperr.ErrHotkeyTaken.With("hotkey %s is already registered as %s", req.Hotkey, existing.GitHubUsername)
	}
	return nil
}

// Apply binds req at time at. Re-applying an identical binding is a no-op.
func (r *Registry) Apply(req Request, at time.Time) error {
	if err := r.Check(req); err != nil {
		return err
	}
	username := strings.ToLower(req.GitHubUsername)
	if existing, ok := r.byHotkey[req.Hotkey]; ok {
		if existing.Username() == username {
			return nil
		}
		delete(r.byUsername, existing.Username())
	}
	r.byHotkey[req.Hotkey] = Registration{
		Hotkey:         req.Hotkey,
		GitHubUsername: req.GitHubUsername,
		RegisteredAt:   at.UTC(),
		Signature:      req.Signature,
		Timestamp:      req.Timestamp,
	}
	r.byUsername[username] = req.Hotkey
	return nil
}

// Lookup returns the registration for hotkey
func (r *Registry) Lookup(hotkey string) (Registration, bool) {
	reg, ok := r.byHotkey[hotkey]
	return reg, ok
}

// HotkeyFor returns the hotkey bound to username (any case)
func (r *Registry) HotkeyFor(username string) (string, bool) {
	hk, ok := r.byUsername[strings.ToLower(username)]
	return hk, ok
}

// Hotkeys returns all registered hotkeys in lexicographic order
func (r *Registry) Hotkeys() []string {
	out := make([]string, 0, len(r.byHotkey))
	for hk := range r.byHotkey {
		out = append(out, hk)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registrations
func (r *Registry) Len() int {
	return len(r.byHotkey)
}
