// Package testdef holds the authored side of the system: reusable test
// definitions, their ordered step definitions and the test setup that
// binds a user to a run.
package testdef

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tanmoysrt/drift/internal/browser"
)

type StepType string

const (
	StepUINavigation     StepType = "UI Navigation"
	StepServerScript     StepType = "Server Script"
	StepSetupUserSession StepType = "Setup User Session"
	StepPlaywrightAction StepType = "Playwright Action"
	StepPlaywrightWait   StepType = "Playwright Wait"
	StepWait             StepType = "Wait"
)

type NavigationKind string

const (
	NavigationGoto     NavigationKind = "Goto"
	NavigationReload   NavigationKind = "Reload"
	NavigationForward  NavigationKind = "Forward"
	NavigationBackward NavigationKind = "Backward"
)

type WaitKind string

const (
	WaitLoadState  WaitKind = "Load State"
	WaitURLPattern WaitKind = "URL Pattern"
)

type StepDefinition struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Type              StepType `json:"type"`
	WaitForCompletion bool     `json:"wait_for_completion"`
	TimeoutSeconds    int      `json:"timeout_seconds"`

	ServerScript string `json:"server_script,omitempty"`

	NavigationKind NavigationKind `json:"navigation_kind,omitempty"`
	GotoURL        string         `json:"goto_url,omitempty"`

	WaitSeconds int `json:"wait_seconds,omitempty"`

	WaitKind   WaitKind `json:"wait_kind,omitempty"`
	LoadState  string   `json:"load_state,omitempty"`
	URLPattern string   `json:"url_pattern,omitempty"`

	LocatorKind    browser.LocatorKind `json:"locator_kind,omitempty"`
	LocatorValue   string              `json:"locator_value,omitempty"`
	Exact          bool                `json:"exact,omitempty"`
	ActionKind     browser.ActionKind  `json:"action_kind,omitempty"`
	ActionValue    string              `json:"action_value,omitempty"`
	TimeoutSecs    int                 `json:"action_timeout_seconds,omitempty"`
}

// Action is the closed set of executable step descriptions a definition
// resolves to. Only ServerScriptAction carries opaque user code; the
// rest are fully typed.
type Action interface {
	isAction()
}

type ServerScriptAction struct {
	Code string
}

type NavigationAction struct {
	Kind NavigationKind
	URL  string
}

type SetupUserSessionAction struct{}

type SleepAction struct {
	Duration time.Duration
}

type WaitCondition struct {
	Kind       WaitKind
	LoadState  string
	URLPattern string
	Timeout    time.Duration
}

type LocatorStepAction struct {
	Locator browser.Locator
	Action  browser.ActionKind
	Value   string
	Timeout time.Duration
}

func (ServerScriptAction) isAction()     {}
func (NavigationAction) isAction()       {}
func (SetupUserSessionAction) isAction() {}
func (SleepAction) isAction()            {}
func (WaitCondition) isAction()          {}
func (LocatorStepAction) isAction()      {}

// Resolve turns a step definition into an executable action for the
// given variable context. Template placeholders in user-facing strings
// are rendered before resolution.
func (d StepDefinition) Resolve(vars map[string]any) (Action, error) {
	switch d.Type {
	case StepServerScript:
		if strings.TrimSpace(d.ServerScript) == "" {
			return nil, errors.New("server script step has no script")
		}
		return ServerScriptAction{Code: d.ServerScript}, nil

	case StepUINavigation:
		kind := d.NavigationKind
		if kind == "" {
			kind = NavigationGoto
		}
		if kind == NavigationGoto && strings.TrimSpace(d.GotoURL) == "" {
			return nil, errors.New("goto navigation step has no url")
		}
		return NavigationAction{Kind: kind, URL: RenderTemplate(d.GotoURL, vars)}, nil

	case StepSetupUserSession:
		return SetupUserSessionAction{}, nil

	case StepWait:
		if d.WaitSeconds <= 0 {
			return nil, errors.New("wait step needs a positive duration")
		}
		return SleepAction{Duration: time.Duration(d.WaitSeconds) * time.Second}, nil

	case StepPlaywrightWait:
		timeout := time.Duration(d.TimeoutSeconds) * time.Second
		switch d.WaitKind {
		case WaitLoadState:
			state := d.LoadState
			if state == "" {
				state = "load"
			}
			return WaitCondition{Kind: WaitLoadState, LoadState: state, Timeout: timeout}, nil
		case WaitURLPattern:
			if strings.TrimSpace(d.URLPattern) == "" {
				return nil, errors.New("url pattern wait step has no pattern")
			}
			return WaitCondition{
				Kind:       WaitURLPattern,
				URLPattern: RenderTemplate(d.URLPattern, vars),
				Timeout:    timeout,
			}, nil
		default:
			return nil, fmt.Errorf("unknown wait kind %q", d.WaitKind)
		}

	case StepPlaywrightAction:
		if d.LocatorKind == "" {
			return nil, errors.New("playwright action step has no locator")
		}
		timeout := time.Duration(d.TimeoutSecs) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(d.TimeoutSeconds) * time.Second
		}
		return LocatorStepAction{
			Locator: browser.Locator{
				Kind:  d.LocatorKind,
				Value: RenderTemplate(d.LocatorValue, vars),
				Exact: d.Exact,
			},
			Action:  d.ActionKind,
			Value:   RenderTemplate(d.ActionValue, vars),
			Timeout: timeout,
		}, nil

	default:
		return nil, fmt.Errorf("unknown step type %q", d.Type)
	}
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// RenderTemplate substitutes {{ name }} placeholders from the variable
// context. Unknown placeholders are left as-is.
func RenderTemplate(value string, vars map[string]any) string {
	if value == "" || len(vars) == 0 {
		return value
	}
	return templateVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := templateVarPattern.FindStringSubmatch(match)[1]
		if resolved, ok := vars[name]; ok {
			return fmt.Sprint(resolved)
		}
		return match
	})
}
