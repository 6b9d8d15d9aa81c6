package testrunner

import (
	"context"
	"log"
	"time"

	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/test"
	"github.com/tanmoysrt/drift/internal/testdef"
)

// ServerChooser picks the server a new session lands on.
type ServerChooser interface {
	Choose(ctx context.Context) (server.Server, error)
}

// Launcher starts runs: it allocates a session on the least loaded
// server, freezes the definition's steps into a run record and kicks
// off the first drive.
type Launcher struct {
	defs     testdef.Service
	tests    test.Service
	servers  ServerChooser
	sessions SessionGateway
	runner   *Runner
	logger   *log.Logger
}

func NewLauncher(defs testdef.Service, tests test.Service, servers ServerChooser, sessions SessionGateway, runner *Runner, logger *log.Logger) *Launcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{
		defs:     defs,
		tests:    tests,
		servers:  servers,
		sessions: sessions,
		runner:   runner,
		logger:   logger,
	}
}

// CreateTest starts a run of the given definition. Server exhaustion
// and session creation failures are returned to the caller unwrapped
// so the API layer can map them.
func (l *Launcher) CreateTest(ctx context.Context, definitionID string) (test.Test, error) {
	def, err := l.defs.GetDefinition(ctx, definitionID)
	if err != nil {
		return test.Test{}, err
	}

	srv, err := l.servers.Choose(ctx)
	if err != nil {
		return test.Test{}, err
	}
	sess, err := l.sessions.Create(ctx, srv)
	if err != nil {
		return test.Test{}, err
	}

	steps := make([]test.Step, 0, len(def.Steps)+1)
	var variables map[string]any
	if def.SetupID != "" {
		setup, err := l.defs.GetSetup(ctx, def.SetupID)
		if err != nil {
			return test.Test{}, err
		}
		if len(setup.DefaultVariables) > 0 {
			variables = make(map[string]any, len(setup.DefaultVariables))
			for k, v := range setup.DefaultVariables {
				variables[k] = v
			}
		}
		if setup.SetupScript != "" {
			steps = append(steps, test.Step{
				Definition: testdef.StepDefinition{
					Title:        "Run setup script",
					Type:         testdef.StepServerScript,
					ServerScript: setup.SetupScript,
				},
			})
		}
	}
	for _, stepDef := range def.Steps {
		steps = append(steps, test.Step{Definition: stepDef})
	}

	t, err := l.tests.Create(ctx, test.Test{
		DefinitionID: def.ID,
		SetupID:      def.SetupID,
		SessionID:    sess.ID,
		Steps:        steps,
		Variables:    variables,
	})
	if err != nil {
		return test.Test{}, err
	}

	queued, err := l.runner.ScheduleDrive(ctx, t.ID, false)
	if err != nil {
		return test.Test{}, err
	}
	if !queued {
		l.logger.Printf("testrunner: first drive for test %s already queued", t.ID)
	}
	return t, nil
}

// AutoTrigger starts a run for every enabled definition whose next
// execution time has passed. Failures are isolated per definition.
func (l *Launcher) AutoTrigger(ctx context.Context) {
	now := time.Now().UTC()
	due, err := l.defs.ListDue(ctx, now)
	if err != nil {
		l.logger.Printf("testrunner: list due definitions: %v", err)
		return
	}
	for _, def := range due {
		if _, err := l.CreateTest(ctx, def.ID); err != nil {
			l.logger.Printf("testrunner: auto trigger %s: %v", def.ID, err)
			continue
		}
		if err := l.defs.MarkTriggered(ctx, def.ID, now); err != nil {
			l.logger.Printf("testrunner: mark %s triggered: %v", def.ID, err)
		}
	}
}
