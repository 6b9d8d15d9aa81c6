package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDisabled    Status = "Disabled"
	StatusActive      Status = "Active"
	StatusUnreachable Status = "Unreachable"
)

var ErrServerNotFound = errors.New("server not found")

// defaultMemoryMB is assumed when a server registers without a
// memory figure.
const defaultMemoryMB = 1024

func normalizeScheme(scheme string) string {
	if strings.TrimSpace(strings.ToLower(scheme)) == "https" {
		return "https"
	}
	return "http"
}

type Server struct {
	ID             string    `json:"id"`
	Host           string    `json:"host"`
	Scheme         string    `json:"scheme"`
	AuthToken      string    `json:"-"`
	Status         Status    `json:"status"`
	ActiveSessions int       `json:"active_sessions"`
	MemoryMB       int       `json:"memory_mb"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LoadRatio is the scheduling weight: active sessions per MB of memory.
// Lower means more headroom.
func (s Server) LoadRatio() float64 {
	if s.MemoryMB <= 0 {
		return float64(s.ActiveSessions)
	}
	return float64(s.ActiveSessions) / float64(s.MemoryMB)
}

type RegisterInput struct {
	Host      string
	Scheme    string
	AuthToken string
	MemoryMB  int
}

type Service interface {
	Register(ctx context.Context, input RegisterInput) (Server, error)
	Get(ctx context.Context, id string) (Server, error)
	List(ctx context.Context) ([]Server, error)
	ListEligible(ctx context.Context) ([]Server, error)
	// SetHealth records the outcome of a health sync. It must not bump
	// UpdatedAt: a sync is not a logical edit of the server record.
	SetHealth(ctx context.Context, id string, status Status, activeSessions int) error
	SetStatus(ctx context.Context, id string, status Status) error
}

type InMemoryService struct {
	mu    sync.RWMutex
	items map[string]Server
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{items: make(map[string]Server)}
}

func (s *InMemoryService) Register(_ context.Context, input RegisterInput) (Server, error) {
	host := strings.TrimSpace(input.Host)
	if host == "" {
		return Server{}, errors.New("host is required")
	}
	if strings.TrimSpace(input.AuthToken) == "" {
		return Server{}, errors.New("auth_token is required")
	}
	memoryMB := input.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}

	now := time.Now().UTC()
	created := Server{
		ID:        "server_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Host:      host,
		Scheme:    normalizeScheme(input.Scheme),
		AuthToken: input.AuthToken,
		Status:    StatusUnreachable,
		MemoryMB:  memoryMB,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.items[created.ID] = created
	s.mu.Unlock()

	return created, nil
}

func (s *InMemoryService) Get(_ context.Context, id string) (Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.items[id]
	if !ok {
		return Server{}, ErrServerNotFound
	}
	return found, nil
}

func (s *InMemoryService) List(_ context.Context) ([]Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(Server) bool { return true }), nil
}

func (s *InMemoryService) ListEligible(_ context.Context) ([]Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(srv Server) bool { return srv.Status != StatusDisabled }), nil
}

func (s *InMemoryService) SetHealth(_ context.Context, id string, status Status, activeSessions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[id]
	if !ok {
		return ErrServerNotFound
	}
	existing.Status = status
	existing.ActiveSessions = activeSessions
	s.items[id] = existing
	return nil
}

func (s *InMemoryService) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[id]
	if !ok {
		return ErrServerNotFound
	}
	existing.Status = status
	existing.UpdatedAt = time.Now().UTC()
	s.items[id] = existing
	return nil
}

func (s *InMemoryService) snapshot(keep func(Server) bool) []Server {
	servers := make([]Server, 0, len(s.items))
	for _, srv := range s.items {
		if keep(srv) {
			servers = append(servers, srv)
		}
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})
	return servers
}
