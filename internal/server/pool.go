package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/tanmoysrt/drift/internal/agentclient"
	"github.com/tanmoysrt/drift/internal/jobs"
)

// ErrNoServerAvailable is surfaced to the user when session placement
// finds no non-disabled server. It must never be silently defaulted.
var ErrNoServerAvailable = errors.New("no drift server available")

// SessionReconciler is the slice of the session layer the pool needs to
// reconcile server-initiated terminations. Implemented by session.Manager.
type SessionReconciler interface {
	ListActiveByServer(ctx context.Context, serverID string) ([]ActiveSession, error)
	MarkStopped(ctx context.Context, sessionID string) error
}

type ActiveSession struct {
	ID       string
	RemoteID string
}

type Pool struct {
	servers   Service
	clients   agentclient.Factory
	queue     *jobs.Queue
	logger    *log.Logger
	reconcile SessionReconciler
}

func NewPool(servers Service, clients agentclient.Factory, queue *jobs.Queue, reconciler SessionReconciler, logger *log.Logger) *Pool {
	if clients == nil {
		clients = agentclient.DefaultFactory
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		servers:   servers,
		clients:   clients,
		queue:     queue,
		logger:    logger,
		reconcile: reconciler,
	}
}

// Choose returns the non-disabled server with the lowest load ratio.
// Ties keep the first candidate in listing order.
func (p *Pool) Choose(ctx context.Context) (Server, error) {
	candidates, err := p.servers.ListEligible(ctx)
	if err != nil {
		return Server{}, err
	}
	if len(candidates) == 0 {
		return Server{}, ErrNoServerAvailable
	}

	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.LoadRatio() < best.LoadRatio() {
			best = candidate
		}
	}
	return best, nil
}

// SyncHealth probes one server and records the outcome. Status and the
// active session count are the only fields written, and the write skips
// the modification timestamp.
func (p *Pool) SyncHealth(ctx context.Context, serverID string) error {
	srv, err := p.servers.Get(ctx, serverID)
	if err != nil {
		return err
	}

	client := p.clients(srv.Scheme, srv.Host, srv.AuthToken)
	health, ok := client.Health(ctx)

	status := StatusUnreachable
	activeSessions := srv.ActiveSessions
	if ok {
		status = StatusActive
		activeSessions = health.Sessions
	}

	if status == srv.Status && activeSessions == srv.ActiveSessions {
		return nil
	}
	return p.servers.SetHealth(ctx, srv.ID, status, activeSessions)
}

// SyncSessions reconciles local Active sessions against what the agent
// still reports. A session the agent no longer knows is marked Stopped.
// Each session is handled independently so one failure cannot block the
// rest.
func (p *Pool) SyncSessions(ctx context.Context, serverID string) error {
	if p.reconcile == nil {
		return nil
	}
	srv, err := p.servers.Get(ctx, serverID)
	if err != nil {
		return err
	}

	client := p.clients(srv.Scheme, srv.Host, srv.AuthToken)
	remote, ok := client.ListSessions(ctx)
	if !ok {
		p.logger.Printf("session sync failed: server=%s host=%s unreachable", srv.ID, srv.Host)
		return nil
	}

	alive := make(map[string]struct{}, len(remote))
	for _, item := range remote {
		alive[item.SessionID] = struct{}{}
	}

	local, err := p.reconcile.ListActiveByServer(ctx, srv.ID)
	if err != nil {
		return err
	}
	for _, sess := range local {
		if _, stillAlive := alive[sess.RemoteID]; stillAlive {
			continue
		}
		if err := p.reconcile.MarkStopped(ctx, sess.ID); err != nil {
			p.logger.Printf("mark stopped failed: session=%s err=%v", sess.ID, err)
		}
	}
	return nil
}

// SyncAllHealth enqueues a health sync per non-disabled server,
// deduplicated per server so overlapping sweeps collapse.
func (p *Pool) SyncAllHealth(ctx context.Context) {
	p.sweep(ctx, "sync_server", 5*time.Minute, p.SyncHealth)
}

// SyncAllSessions enqueues a session reconciliation per non-disabled
// server, deduplicated per server.
func (p *Pool) SyncAllSessions(ctx context.Context) {
	p.sweep(ctx, "sync_sessions", 10*time.Minute, p.SyncSessions)
}

func (p *Pool) sweep(ctx context.Context, kind string, timeout time.Duration, run func(context.Context, string) error) {
	servers, err := p.servers.ListEligible(ctx)
	if err != nil {
		p.logger.Printf("%s sweep: list servers failed: %v", kind, err)
		return
	}
	for _, srv := range servers {
		serverID := srv.ID
		_, err := p.queue.Enqueue(ctx, jobs.Job{
			Key:     kind + "||" + serverID,
			Timeout: timeout,
			Run: func(jobCtx context.Context) error {
				return run(jobCtx, serverID)
			},
		})
		if err != nil {
			p.logger.Printf("%s sweep: enqueue failed: server=%s err=%v", kind, serverID, err)
		}
	}
}
