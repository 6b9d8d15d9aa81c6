// Package testrunner drives test runs through their steps: it picks
// the next step, executes it against the session's remote browser or
// the script sandbox, applies the outcome policy and finalizes the
// run.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tanmoysrt/drift/internal/browser"
	"github.com/tanmoysrt/drift/internal/jobs"
	"github.com/tanmoysrt/drift/internal/script"
	"github.com/tanmoysrt/drift/internal/server"
	"github.com/tanmoysrt/drift/internal/session"
	"github.com/tanmoysrt/drift/internal/test"
	"github.com/tanmoysrt/drift/internal/testdef"
)

const driveKeyPrefix = "drive_test||"

// Browser is the slice of the live browser connection the runner
// needs to execute steps.
type Browser interface {
	Goto(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	GoForward(ctx context.Context) error
	GoBack(ctx context.Context) error
	WaitForLoadState(ctx context.Context, state string, timeout time.Duration) (bool, error)
	WaitForURL(ctx context.Context, pattern string, timeout time.Duration) (bool, error)
	Apply(ctx context.Context, locator browser.Locator, action browser.ActionKind, value string, timeout time.Duration) error
}

// SessionGateway is the session manager surface the runner depends
// on. *session.Manager satisfies it via ManagerGateway.
type SessionGateway interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Create(ctx context.Context, srv server.Server) (session.Session, error)
	MarkStopped(ctx context.Context, id string) error
	DestroyRemote(ctx context.Context, id string) bool
	WithBrowser(ctx context.Context, sess session.Session, fn func(Browser) error) error
}

// ManagerGateway adapts *session.Manager to SessionGateway.
type ManagerGateway struct {
	Manager *session.Manager
}

func (g ManagerGateway) Get(ctx context.Context, id string) (session.Session, error) {
	return g.Manager.Get(ctx, id)
}

func (g ManagerGateway) Create(ctx context.Context, srv server.Server) (session.Session, error) {
	return g.Manager.Create(ctx, srv)
}

func (g ManagerGateway) MarkStopped(ctx context.Context, id string) error {
	return g.Manager.MarkStopped(ctx, id)
}

func (g ManagerGateway) DestroyRemote(ctx context.Context, id string) bool {
	return g.Manager.DestroyRemote(ctx, id)
}

func (g ManagerGateway) WithBrowser(ctx context.Context, sess session.Session, fn func(Browser) error) error {
	return g.Manager.WithBrowser(ctx, sess, func(c *browser.Client) error {
		return fn(c)
	})
}

type Runner struct {
	tests    test.Service
	defs     testdef.Service
	sessions SessionGateway
	scripts  script.Runner
	users    script.UserProvisioner
	sids     script.SessionIssuer
	queue    *jobs.Queue
	logger   *log.Logger

	pollInterval time.Duration
	stepTimeout  time.Duration
}

func NewRunner(tests test.Service, defs testdef.Service, sessions SessionGateway, scripts script.Runner, users script.UserProvisioner, sids script.SessionIssuer, queue *jobs.Queue, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		tests:        tests,
		defs:         defs,
		sessions:     sessions,
		scripts:      scripts,
		users:        users,
		sids:         sids,
		queue:        queue,
		logger:       logger,
		pollInterval: 2 * time.Second,
		stepTimeout:  10 * time.Minute,
	}
}

// ScheduleDrive enqueues a drive for the test. Default drives share a
// dedupe key per test so at most one is pending at a time; poll drives
// carry no key since re-checking a waiting step is idempotent.
func (r *Runner) ScheduleDrive(ctx context.Context, testID string, poll bool) (bool, error) {
	job := jobs.Job{
		Timeout: r.stepTimeout,
		Run: func(ctx context.Context) error {
			if poll {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.pollInterval):
				}
			}
			return r.Drive(ctx, testID)
		},
	}
	if !poll {
		job.Key = driveKeyPrefix + testID
	}
	return r.queue.Enqueue(ctx, job)
}

// Drive advances the run by one step attempt. It resumes the Running
// step if one exists, otherwise dispatches the first Pending one, and
// finalizes once no step remains.
func (r *Runner) Drive(ctx context.Context, testID string) error {
	t, err := r.tests.Get(ctx, testID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if t.Status != test.StatusRunning {
		if _, err := r.tests.SetStatus(ctx, testID, test.StatusRunning, time.Time{}); err != nil {
			return err
		}
		t.Status = test.StatusRunning
	}

	sess, err := r.sessions.Get(ctx, t.SessionID)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			// Transient store failure: retry on the poll cadence rather
			// than treating the session as gone.
			if _, qErr := r.ScheduleDrive(ctx, testID, true); qErr != nil {
				r.logger.Printf("testrunner: reschedule drive for test %s: %v", testID, qErr)
			}
			return err
		}
		return r.Finalize(ctx, testID, test.StatusStopped)
	}
	if sess.Status != session.StatusActive {
		return r.Finalize(ctx, testID, test.StatusStopped)
	}

	step, ok := pickStep(t)
	if !ok {
		status := test.StatusSuccess
		if anyStepFailed(t) {
			status = test.StatusFailure
		}
		return r.Finalize(ctx, testID, status)
	}

	if err := r.executeStep(ctx, &t, sess, &step); err != nil {
		return err
	}

	switch step.Status {
	case test.StepFailure:
		return r.Finalize(ctx, testID, test.StatusFailure)
	case test.StepSuccess:
		return r.Drive(ctx, testID)
	default:
		queued, err := r.ScheduleDrive(ctx, testID, true)
		if err != nil {
			return err
		}
		if !queued {
			r.logger.Printf("testrunner: poll drive for test %s not queued", testID)
		}
		return nil
	}
}

// Finalize moves the run to a terminal status exactly once and, when
// the transition happens, tears the session down (remote destruction
// best-effort, local stop recorded).
func (r *Runner) Finalize(ctx context.Context, testID string, status test.Status) error {
	changed, err := r.tests.SetStatus(ctx, testID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	r.logger.Printf("testrunner: test %s finalized as %s", testID, status)

	t, err := r.tests.Get(ctx, testID)
	if err != nil {
		return err
	}
	sess, err := r.sessions.Get(ctx, t.SessionID)
	if err != nil {
		return nil
	}
	if sess.Status == session.StatusActive {
		if !r.sessions.DestroyRemote(ctx, sess.ID) {
			r.logger.Printf("testrunner: failed to destroy remote session %s for test %s", sess.ID, testID)
		}
		if err := r.sessions.MarkStopped(ctx, sess.ID); err != nil {
			r.logger.Printf("testrunner: mark session %s stopped: %v", sess.ID, err)
		}
	}
	return nil
}

// result is the (success, failure) pair a waiting step reports.
type result struct {
	ok     bool
	failed bool
}

func (r *Runner) executeStep(ctx context.Context, t *test.Test, sess session.Session, step *test.Step) error {
	now := time.Now().UTC()
	step.Status = test.StepRunning
	if step.StartedAt == nil {
		started := now
		step.StartedAt = &started
	}
	attempted := now
	step.LastAttemptedAt = &attempted
	step.Attempts++

	if t.Variables == nil {
		t.Variables = make(map[string]any)
	}

	action, resolveErr := step.Definition.Resolve(t.Variables)
	var res result
	var msg string
	var execErr error
	if resolveErr != nil {
		execErr = resolveErr
	} else {
		res, msg, execErr = r.perform(ctx, t, sess, action)
	}

	switch {
	case execErr != nil:
		r.failStep(step, execErr.Error())
	case !step.Definition.WaitForCompletion:
		r.succeedStep(step)
	case res.ok:
		r.succeedStep(step)
	case res.failed:
		if msg == "" {
			msg = "step reported failure"
		}
		r.failStep(step, msg)
	default:
		timeout := time.Duration(step.Definition.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			// A waiting step without a positive timeout would poll forever.
			r.failStep(step, "waiting step has no positive timeout")
		} else if time.Since(*step.StartedAt) >= timeout {
			r.failStep(step, fmt.Sprintf("timed out after %d seconds", step.Definition.TimeoutSeconds))
		}
		// Still within the window: the step stays Running and the next
		// poll re-checks.
	}

	if err := r.tests.SetStep(ctx, t.ID, *step); err != nil {
		return err
	}
	if step.Status == test.StepSuccess {
		r.persistSessionUser(ctx, t)
	}
	return nil
}

func (r *Runner) perform(ctx context.Context, t *test.Test, sess session.Session, action testdef.Action) (result, string, error) {
	switch a := action.(type) {
	case testdef.ServerScriptAction:
		res, err := r.scripts.Run(ctx, a.Code, t.Variables)
		if err != nil {
			return result{}, "", err
		}
		if len(res.Output) > 0 {
			for k, v := range res.Output {
				t.Variables[k] = v
			}
			if err := r.tests.SetVariables(ctx, t.ID, t.Variables); err != nil {
				return result{}, "", err
			}
		}
		return result{ok: !res.Failed(), failed: res.Failed()}, res.Message, nil

	case testdef.NavigationAction:
		err := r.sessions.WithBrowser(ctx, sess, func(b Browser) error {
			switch a.Kind {
			case testdef.NavigationGoto:
				return b.Goto(ctx, a.URL)
			case testdef.NavigationReload:
				return b.Reload(ctx)
			case testdef.NavigationForward:
				return b.GoForward(ctx)
			case testdef.NavigationBackward:
				return b.GoBack(ctx)
			default:
				return fmt.Errorf("unknown navigation kind %q", a.Kind)
			}
		})
		return result{ok: err == nil}, "", err

	case testdef.SetupUserSessionAction:
		setup, err := r.defs.GetSetup(ctx, t.SetupID)
		if err != nil {
			return result{}, "", err
		}
		user := setup.ExistingUser
		if setup.UserType != testdef.UserTypeExisting {
			// A session for a disabled user fails at issuance, so the
			// backend stays the single gate for user validity.
			user, err = r.users.ProvisionUser(ctx, setup.UserScript, t.Variables)
			if err != nil {
				return result{}, "", err
			}
		}
		sid, err := r.sids.IssueSession(ctx, user)
		if err != nil {
			return result{}, "", err
		}
		t.Variables["session_user"] = user
		t.Variables["session_user_sid"] = sid
		if err := r.tests.SetVariables(ctx, t.ID, t.Variables); err != nil {
			return result{}, "", err
		}
		return result{ok: true}, "", nil

	case testdef.SleepAction:
		select {
		case <-ctx.Done():
			return result{}, "", ctx.Err()
		case <-time.After(a.Duration):
		}
		return result{ok: true}, "", nil

	case testdef.WaitCondition:
		var ok bool
		err := r.sessions.WithBrowser(ctx, sess, func(b Browser) error {
			var waitErr error
			switch a.Kind {
			case testdef.WaitLoadState:
				ok, waitErr = b.WaitForLoadState(ctx, a.LoadState, a.Timeout)
			case testdef.WaitURLPattern:
				ok, waitErr = b.WaitForURL(ctx, a.URLPattern, a.Timeout)
			default:
				waitErr = fmt.Errorf("unknown wait kind %q", a.Kind)
			}
			return waitErr
		})
		return result{ok: ok}, "", err

	case testdef.LocatorStepAction:
		err := r.sessions.WithBrowser(ctx, sess, func(b Browser) error {
			return b.Apply(ctx, a.Locator, a.Action, a.Value, a.Timeout)
		})
		return result{ok: err == nil}, "", err

	default:
		return result{}, "", fmt.Errorf("unknown action %T", action)
	}
}

func (r *Runner) succeedStep(step *test.Step) {
	r.closeStep(step, test.StepSuccess, "")
}

func (r *Runner) failStep(step *test.Step, message string) {
	r.closeStep(step, test.StepFailure, message)
}

func (r *Runner) closeStep(step *test.Step, status test.StepStatus, message string) {
	now := time.Now().UTC()
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	if step.LastAttemptedAt == nil {
		step.LastAttemptedAt = &now
	}
	step.Status = status
	step.Message = message
	step.EndedAt = &now
	step.DurationSeconds = now.Sub(*step.StartedAt).Seconds()
}

func (r *Runner) persistSessionUser(ctx context.Context, t *test.Test) {
	user, okUser := t.Variables["session_user"].(string)
	sid, okSID := t.Variables["session_user_sid"].(string)
	if !okUser || !okSID || user == "" {
		return
	}
	if t.SessionUser == user && t.SessionUserSID == sid {
		return
	}
	if err := r.tests.SetSessionUser(ctx, t.ID, user, sid); err != nil {
		r.logger.Printf("testrunner: persist session user for test %s: %v", t.ID, err)
		return
	}
	t.SessionUser = user
	t.SessionUserSID = sid
}

func pickStep(t test.Test) (test.Step, bool) {
	for _, step := range t.Steps {
		if step.Status == test.StepRunning {
			return step, true
		}
	}
	for _, step := range t.Steps {
		if step.Status == test.StepPending {
			return step, true
		}
	}
	return test.Step{}, false
}

func anyStepFailed(t test.Test) bool {
	for _, step := range t.Steps {
		if step.Status == test.StepFailure {
			return true
		}
	}
	return false
}
