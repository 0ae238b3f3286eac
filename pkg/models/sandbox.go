package models

import "time"

// SandboxStatus represents the lifecycle state of a sandbox
type SandboxStatus string

const (
	StatusInitializing SandboxStatus = "initializing"
	StatusRunning      SandboxStatus = "running"
	StatusError        SandboxStatus = "error"
	StatusStopped      SandboxStatus = "stopped"
)

// Terminal reports whether no further transition is possible
func (s SandboxStatus) Terminal() bool {
	return s == StatusStopped
}

// Sandbox is one isolated browser session and its automation state
type Sandbox struct {
	ID                   int64         `json:"id"`
	Status               SandboxStatus `json:"status"`
	Message              string        `json:"message,omitempty"`
	Backend              string        `json:"backend"`
	TargetURL            string        `json:"targetUrl"`
	UseIdentityLogin     bool          `json:"useIdentityLogin"`
	EnableSiteAutomation bool          `json:"enableSiteAutomation"`
	Identity             *Identity     `json:"-"`
	AccountEmail         string        `json:"accountEmail,omitempty"`
	ProfileDir           string        `json:"-"`
	ControlEndpoint      string        `json:"controlEndpoint,omitempty"`
	LastObservedURL      string        `json:"lastObservedUrl,omitempty"`
	CookieFile           string        `json:"cookieFile,omitempty"`
	CookieCount          int           `json:"cookieCount"`
	Error                string        `json:"error,omitempty"`
	Logs                 []string      `json:"logs"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy that shares no slices or pointers with s
func (s *Sandbox) Clone() Sandbox {
	out := *s
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	out.Logs = append([]string(nil), s.Logs...)
	return out
}

// Summary is the copy handed to presentation layers, with the log tail only
func (s *Sandbox) Summary(tail int) Sandbox {
	out := s.Clone()
	if tail > 0 && len(out.Logs) > tail {
		out.Logs = out.Logs[len(out.Logs)-tail:]
	}
	return out
}

// CreateSandboxesRequest is the payload for creating a batch of sandboxes
type CreateSandboxesRequest struct {
	Count                int    `json:"count"`
	TargetURL            string `json:"targetUrl"`
	UseIdentityLogin     bool   `json:"useIdentityLogin"`
	EnableSiteAutomation bool   `json:"enableSiteAutomation"`
	Identities           string `json:"identities,omitempty"`
	Backend              string `json:"backend,omitempty"`
}

// CreateSandboxesResponse wraps the initial snapshots of a new batch
type CreateSandboxesResponse struct {
	Sandboxes []Sandbox `json:"sandboxes"`
}
