// Package script defines the sandboxed script collaborators a run
// depends on. The control plane never interprets script code itself;
// implementations hand it to the application backend for execution.
package script

import "context"

type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
)

// Result is what a server script reports back. Output carries any
// variables the script exported for later steps.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

func (r Result) Failed() bool { return r.Outcome == OutcomeFailure }

// Runner executes a server script step in the backend sandbox. A
// returned error means the script could not be run at all; a Failure
// result means it ran and reported failure.
type Runner interface {
	Run(ctx context.Context, code string, vars map[string]any) (Result, error)
}

// UserProvisioner creates (or reuses) the user a run acts as. It
// returns the user identifier the session will be issued for.
type UserProvisioner interface {
	ProvisionUser(ctx context.Context, code string, vars map[string]any) (string, error)
}

// SessionIssuer mints a backend login session for a provisioned user.
// The returned sid is injected into the browser before user-scoped
// steps run.
type SessionIssuer interface {
	IssueSession(ctx context.Context, user string) (sid string, err error)
}

// ResourceRef names a backend document by doctype and name.
type ResourceRef struct {
	Doctype string `json:"doctype"`
	Name    string `json:"name"`
}

// DiscoveryRunner runs a discovery script that reports the documents a
// finished run created, so cleanup can delete them later.
type DiscoveryRunner interface {
	Discover(ctx context.Context, code string, vars map[string]any) ([]ResourceRef, error)
}

// CleanupRunner deletes a single discovered document. Implementations
// should be idempotent; deleting an already-gone document is not an
// error.
type CleanupRunner interface {
	Delete(ctx context.Context, ref ResourceRef) error
}

// Backend bundles every collaborator a full deployment provides.
type Backend interface {
	Runner
	UserProvisioner
	SessionIssuer
	DiscoveryRunner
	CleanupRunner
}

