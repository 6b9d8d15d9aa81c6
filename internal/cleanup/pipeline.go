// Package cleanup deletes the backend documents a finished run left
// behind. A discovery phase records what a run created; a cleanup
// phase deletes it. Both phases are re-entrant and per-run failures
// never halt the sweep.
package cleanup

import (
	"context"
	"log"

	"github.com/tanmoysrt/drift/internal/script"
	"github.com/tanmoysrt/drift/internal/test"
	"github.com/tanmoysrt/drift/internal/testdef"
)

type Pipeline struct {
	tests     test.Service
	defs      testdef.Service
	discovery script.DiscoveryRunner
	deleter   script.CleanupRunner
	logger    *log.Logger
}

func NewPipeline(tests test.Service, defs testdef.Service, discovery script.DiscoveryRunner, deleter script.CleanupRunner, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		tests:     tests,
		defs:      defs,
		discovery: discovery,
		deleter:   deleter,
		logger:    logger,
	}
}

// Sweep runs discovery for every terminal run that has not been
// scanned yet, then cleanup for every run still carrying pending
// documents.
func (p *Pipeline) Sweep(ctx context.Context) {
	pendingGC, err := p.tests.ListPendingGC(ctx)
	if err != nil {
		p.logger.Printf("cleanup: list pending gc: %v", err)
	} else {
		for _, t := range pendingGC {
			if err := p.RunGC(ctx, t.ID); err != nil {
				p.logger.Printf("cleanup: gc test %s: %v", t.ID, err)
			}
		}
	}

	pendingCleanup, err := p.tests.ListPendingCleanup(ctx)
	if err != nil {
		p.logger.Printf("cleanup: list pending cleanup: %v", err)
		return
	}
	for _, t := range pendingCleanup {
		if err := p.RunCleanup(ctx, t.ID); err != nil {
			p.logger.Printf("cleanup: clean test %s: %v", t.ID, err)
		}
	}
}

// RunGC invokes the setup's discovery script and records the documents
// the run created. With no discovery script or no documents, cleanup
// is vacuously complete.
func (p *Pipeline) RunGC(ctx context.Context, testID string) error {
	t, err := p.tests.Get(ctx, testID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() || t.GCCompleted {
		return nil
	}

	var code string
	if t.SetupID != "" {
		setup, err := p.defs.GetSetup(ctx, t.SetupID)
		if err != nil {
			return err
		}
		code = setup.DiscoveryScript
	}

	var refs []script.ResourceRef
	if code != "" {
		vars := t.Variables
		if vars == nil {
			vars = map[string]any{}
		}
		refs, err = p.discovery.Discover(ctx, code, vars)
		if err != nil {
			return err
		}
	}

	if len(refs) > 0 {
		docs := make([]test.Document, len(refs))
		for i, ref := range refs {
			docs[i] = test.Document{ResourceRef: ref, CleanupStatus: test.CleanupPending}
		}
		if err := p.tests.SetDocuments(ctx, testID, docs); err != nil {
			return err
		}
	}
	if err := p.tests.SetGCCompleted(ctx, testID); err != nil {
		return err
	}
	if len(refs) == 0 {
		return p.tests.SetCleanupCompleted(ctx, testID)
	}
	return nil
}

// RunCleanup deletes every still-pending document of a run and merges
// the per-document results by (doctype, name). Once no document is
// Pending the run's cleanup is complete.
func (p *Pipeline) RunCleanup(ctx context.Context, testID string) error {
	t, err := p.tests.Get(ctx, testID)
	if err != nil {
		return err
	}
	if !t.GCCompleted || t.CleanupCompleted {
		return nil
	}

	docs := t.Documents
	for i := range docs {
		if docs[i].CleanupStatus != test.CleanupPending {
			continue
		}
		if err := p.deleter.Delete(ctx, docs[i].ResourceRef); err != nil {
			// Stays Pending so the next sweep retries it.
			docs[i].Detail = err.Error()
			p.logger.Printf("cleanup: delete %s %s of test %s: %v", docs[i].Doctype, docs[i].Name, testID, err)
			continue
		}
		docs[i].CleanupStatus = test.CleanupDeleted
		docs[i].Detail = ""
	}
	if err := p.tests.SetDocuments(ctx, testID, docs); err != nil {
		return err
	}

	pending := 0
	for _, doc := range docs {
		if doc.CleanupStatus == test.CleanupPending {
			pending++
		}
	}
	if pending == 0 {
		return p.tests.SetCleanupCompleted(ctx, testID)
	}
	return nil
}
