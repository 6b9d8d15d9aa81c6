package testdef

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDefinitionNotFound = errors.New("test definition not found")
	ErrSetupNotFound      = errors.New("test setup not found")
)

// TestDefinition is a reusable script of ordered steps. When Enabled,
// the auto trigger starts a run every IntervalMinutes.
type TestDefinition struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Enabled         bool             `json:"enabled"`
	IntervalMinutes int              `json:"interval_minutes"`
	SetupID         string           `json:"setup_id,omitempty"`
	Steps           []StepDefinition `json:"steps"`

	LastExecutionOn *time.Time `json:"last_execution_on,omitempty"`
	NextExecutionOn *time.Time `json:"next_execution_on,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d TestDefinition) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("test definition needs a title")
	}
	if len(d.Steps) == 0 {
		return errors.New("test definition needs at least one step")
	}
	if d.Enabled && d.IntervalMinutes < 2 {
		return errors.New("execution interval must be at least 2 minutes")
	}
	for i, step := range d.Steps {
		if _, err := step.Resolve(nil); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Title, err)
		}
	}
	return nil
}

type UserType string

const (
	UserTypeExisting UserType = "Existing"
	UserTypeNew      UserType = "New"
)

// TestSetup provisions the user a run acts as, plus optional setup and
// discovery scripts shared by every definition that references it. An
// Existing user is named directly; a New user is created by UserScript
// on every run.
type TestSetup struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	UserType        UserType `json:"user_type"`
	ExistingUser    string   `json:"existing_user,omitempty"`
	UserScript      string   `json:"user_script,omitempty"`
	SetupScript     string   `json:"setup_script,omitempty"`
	DiscoveryScript string   `json:"discovery_script,omitempty"`

	// DefaultVariables seed every run's local variables at creation.
	DefaultVariables map[string]any `json:"default_variables,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s TestSetup) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return errors.New("test setup needs a title")
	}
	switch s.UserType {
	case UserTypeExisting:
		if strings.TrimSpace(s.ExistingUser) == "" {
			return errors.New("existing user type needs a user")
		}
	case UserTypeNew:
		if strings.TrimSpace(s.UserScript) == "" {
			return errors.New("new user type needs a user script")
		}
	default:
		return fmt.Errorf("unknown user type %q", s.UserType)
	}
	return nil
}

// Service stores definitions and setups and answers the auto trigger's
// "which definitions are due" query.
type Service interface {
	CreateDefinition(ctx context.Context, def TestDefinition) (TestDefinition, error)
	GetDefinition(ctx context.Context, id string) (TestDefinition, error)
	ListDefinitions(ctx context.Context) ([]TestDefinition, error)
	// ListDue returns enabled definitions whose next execution time has
	// passed (or was never seeded).
	ListDue(ctx context.Context, now time.Time) ([]TestDefinition, error)
	// MarkTriggered records a run start and schedules the next one.
	MarkTriggered(ctx context.Context, id string, now time.Time) error

	CreateSetup(ctx context.Context, setup TestSetup) (TestSetup, error)
	GetSetup(ctx context.Context, id string) (TestSetup, error)
}

type InMemoryService struct {
	mu     sync.RWMutex
	defs   map[string]TestDefinition
	setups map[string]TestSetup
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		defs:   make(map[string]TestDefinition),
		setups: make(map[string]TestSetup),
	}
}

func (s *InMemoryService) CreateDefinition(ctx context.Context, def TestDefinition) (TestDefinition, error) {
	if err := def.Validate(); err != nil {
		return TestDefinition{}, err
	}
	if def.ID == "" {
		def.ID = "testdef_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			def.Steps[i].ID = "stepdef_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Enabled && def.NextExecutionOn == nil {
		next := now.Add(time.Duration(def.IntervalMinutes) * time.Minute)
		def.NextExecutionOn = &next
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = cloneDefinition(def)
	return def, nil
}

func (s *InMemoryService) GetDefinition(ctx context.Context, id string) (TestDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return TestDefinition{}, ErrDefinitionNotFound
	}
	return cloneDefinition(def), nil
}

func (s *InMemoryService) ListDefinitions(ctx context.Context) ([]TestDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TestDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, cloneDefinition(def))
	}
	return out, nil
}

func (s *InMemoryService) ListDue(ctx context.Context, now time.Time) ([]TestDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []TestDefinition
	for _, def := range s.defs {
		if !def.Enabled {
			continue
		}
		if def.NextExecutionOn == nil || !def.NextExecutionOn.After(now) {
			due = append(due, cloneDefinition(def))
		}
	}
	return due, nil
}

func (s *InMemoryService) MarkTriggered(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return ErrDefinitionNotFound
	}
	last := now
	next := now.Add(time.Duration(def.IntervalMinutes) * time.Minute)
	def.LastExecutionOn = &last
	def.NextExecutionOn = &next
	def.UpdatedAt = now
	s.defs[id] = def
	return nil
}

func (s *InMemoryService) CreateSetup(ctx context.Context, setup TestSetup) (TestSetup, error) {
	if err := setup.Validate(); err != nil {
		return TestSetup{}, err
	}
	if setup.ID == "" {
		setup.ID = "setup_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	now := time.Now().UTC()
	setup.CreatedAt = now
	setup.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups[setup.ID] = cloneSetup(setup)
	return setup, nil
}

func (s *InMemoryService) GetSetup(ctx context.Context, id string) (TestSetup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setup, ok := s.setups[id]
	if !ok {
		return TestSetup{}, ErrSetupNotFound
	}
	return cloneSetup(setup), nil
}

func cloneSetup(setup TestSetup) TestSetup {
	out := setup
	if setup.DefaultVariables != nil {
		out.DefaultVariables = make(map[string]any, len(setup.DefaultVariables))
		for k, v := range setup.DefaultVariables {
			out.DefaultVariables[k] = v
		}
	}
	return out
}

func cloneDefinition(def TestDefinition) TestDefinition {
	out := def
	out.Steps = append([]StepDefinition(nil), def.Steps...)
	if def.LastExecutionOn != nil {
		last := *def.LastExecutionOn
		out.LastExecutionOn = &last
	}
	if def.NextExecutionOn != nil {
		next := *def.NextExecutionOn
		out.NextExecutionOn = &next
	}
	return out
}
