// Package test holds the runtime record of a single execution of a
// test definition: its copied steps, collected variables and the
// cleanup bookkeeping that outlives the run.
package test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tanmoysrt/drift/internal/script"
	"github.com/tanmoysrt/drift/internal/testdef"
)

var (
	ErrTestNotFound = errors.New("test not found")
	ErrStepNotFound = errors.New("test step not found")
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSuccess   Status = "Success"
	StatusFailure   Status = "Failure"
	StatusStopped   Status = "Stopped"
	StatusCancelled Status = "Cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusStopped, StatusCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending StepStatus = "Pending"
	StepRunning StepStatus = "Running"
	StepSuccess StepStatus = "Success"
	StepFailure StepStatus = "Failure"
)

type CleanupStatus string

const (
	CleanupPending CleanupStatus = "Pending"
	CleanupDeleted CleanupStatus = "Deleted"
	CleanupFailed  CleanupStatus = "Failed"
)

// Step is a definition step frozen at trigger time plus its runtime
// progress. Duration is only meaningful once the step ended.
type Step struct {
	ID         string                 `json:"id"`
	Definition testdef.StepDefinition `json:"definition"`
	Status     StepStatus             `json:"status"`
	Message    string                 `json:"message,omitempty"`

	Attempts        int        `json:"attempts"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// Document is a backend record a run created, tracked until cleanup
// deletes it.
type Document struct {
	script.ResourceRef
	CleanupStatus CleanupStatus `json:"cleanup_status"`
	Detail        string        `json:"detail,omitempty"`
}

type Test struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id"`
	SetupID      string `json:"setup_id,omitempty"`
	SessionID    string `json:"session_id"`
	Status       Status `json:"status"`
	Steps        []Step `json:"steps"`

	Variables      map[string]any `json:"variables,omitempty"`
	SessionUser    string         `json:"session_user,omitempty"`
	SessionUserSID string         `json:"-"`

	Documents        []Document `json:"documents,omitempty"`
	GCCompleted      bool       `json:"gc_completed"`
	CleanupCompleted bool       `json:"cleanup_completed"`

	StartedOn time.Time  `json:"started_on"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Service persists test runs. Status transitions are monotonic: once a
// run is terminal its status never changes again.
type Service interface {
	Create(ctx context.Context, t Test) (Test, error)
	Get(ctx context.Context, id string) (Test, error)
	List(ctx context.Context) ([]Test, error)
	// SetStatus moves a run to the given status. Terminal runs are left
	// untouched and reported via the returned flag.
	SetStatus(ctx context.Context, id string, status Status, endedOn time.Time) (changed bool, err error)
	SetStep(ctx context.Context, testID string, step Step) error
	SetVariables(ctx context.Context, id string, vars map[string]any) error
	SetSessionUser(ctx context.Context, id string, user, sid string) error
	SetDocuments(ctx context.Context, id string, docs []Document) error
	SetGCCompleted(ctx context.Context, id string) error
	SetCleanupCompleted(ctx context.Context, id string) error
	// ListPendingGC returns terminal runs whose discovery phase has not
	// completed yet.
	ListPendingGC(ctx context.Context) ([]Test, error)
	// ListPendingCleanup returns runs past discovery that still carry
	// pending documents (or never had the completion recorded).
	ListPendingCleanup(ctx context.Context) ([]Test, error)
}

type InMemoryService struct {
	mu    sync.RWMutex
	tests map[string]Test
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{tests: make(map[string]Test)}
}

func (s *InMemoryService) Create(ctx context.Context, t Test) (Test, error) {
	if t.ID == "" {
		t.ID = "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	for i := range t.Steps {
		if t.Steps[i].ID == "" {
			t.Steps[i].ID = "step_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if t.Steps[i].Status == "" {
			t.Steps[i].Status = StepPending
		}
	}
	now := time.Now().UTC()
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.StartedOn.IsZero() {
		t.StartedOn = now
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[t.ID] = cloneTest(t)
	return t, nil
}

func (s *InMemoryService) Get(ctx context.Context, id string) (Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[id]
	if !ok {
		return Test{}, ErrTestNotFound
	}
	return cloneTest(t), nil
}

func (s *InMemoryService) List(ctx context.Context) ([]Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Test, 0, len(s.tests))
	for _, t := range s.tests {
		out = append(out, cloneTest(t))
	}
	return out, nil
}

func (s *InMemoryService) SetStatus(ctx context.Context, id string, status Status, endedOn time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[id]
	if !ok {
		return false, ErrTestNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}
	t.Status = status
	if status.Terminal() {
		ended := endedOn.UTC()
		t.EndedOn = &ended
	}
	t.UpdatedAt = time.Now().UTC()
	s.tests[id] = t
	return true, nil
}

func (s *InMemoryService) SetStep(ctx context.Context, testID string, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[testID]
	if !ok {
		return ErrTestNotFound
	}
	for i := range t.Steps {
		if t.Steps[i].ID == step.ID {
			t.Steps[i] = step
			t.UpdatedAt = time.Now().UTC()
			s.tests[testID] = t
			return nil
		}
	}
	return ErrStepNotFound
}

func (s *InMemoryService) SetVariables(ctx context.Context, id string, vars map[string]any) error {
	return s.update(id, func(t *Test) {
		t.Variables = vars
	})
}

func (s *InMemoryService) SetSessionUser(ctx context.Context, id string, user, sid string) error {
	return s.update(id, func(t *Test) {
		t.SessionUser = user
		t.SessionUserSID = sid
	})
}

func (s *InMemoryService) SetDocuments(ctx context.Context, id string, docs []Document) error {
	return s.update(id, func(t *Test) {
		t.Documents = append([]Document(nil), docs...)
	})
}

func (s *InMemoryService) SetGCCompleted(ctx context.Context, id string) error {
	return s.update(id, func(t *Test) {
		t.GCCompleted = true
	})
}

func (s *InMemoryService) SetCleanupCompleted(ctx context.Context, id string) error {
	return s.update(id, func(t *Test) {
		t.CleanupCompleted = true
	})
}

func (s *InMemoryService) ListPendingGC(ctx context.Context) ([]Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Test
	for _, t := range s.tests {
		if t.Status.Terminal() && !t.GCCompleted {
			out = append(out, cloneTest(t))
		}
	}
	return out, nil
}

func (s *InMemoryService) ListPendingCleanup(ctx context.Context) ([]Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Test
	for _, t := range s.tests {
		if t.GCCompleted && !t.CleanupCompleted {
			out = append(out, cloneTest(t))
		}
	}
	return out, nil
}

func (s *InMemoryService) update(id string, apply func(*Test)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[id]
	if !ok {
		return ErrTestNotFound
	}
	apply(&t)
	t.UpdatedAt = time.Now().UTC()
	s.tests[id] = t
	return nil
}

func cloneTest(t Test) Test {
	out := t
	out.Steps = make([]Step, len(t.Steps))
	for i, step := range t.Steps {
		out.Steps[i] = cloneStep(step)
	}
	out.Documents = append([]Document(nil), t.Documents...)
	if t.Variables != nil {
		out.Variables = make(map[string]any, len(t.Variables))
		for k, v := range t.Variables {
			out.Variables[k] = v
		}
	}
	if t.EndedOn != nil {
		ended := *t.EndedOn
		out.EndedOn = &ended
	}
	return out
}

func cloneStep(step Step) Step {
	out := step
	if step.StartedAt != nil {
		v := *step.StartedAt
		out.StartedAt = &v
	}
	if step.LastAttemptedAt != nil {
		v := *step.LastAttemptedAt
		out.LastAttemptedAt = &v
	}
	if step.EndedAt != nil {
		v := *step.EndedAt
		out.EndedAt = &v
	}
	return out
}
