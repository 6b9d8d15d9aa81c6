package testdef

import (
	"context"
	"testing"
	"time"

	"github.com/tanmoysrt/drift/internal/browser"
)

func TestResolveLocatorStep(t *testing.T) {
	def := StepDefinition{
		Type:           StepPlaywrightAction,
		LocatorKind:    browser.LocatorText,
		LocatorValue:   "Submit",
		ActionKind:     browser.ActionClick,
		TimeoutSeconds: 10,
	}
	action, err := def.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	loc, ok := action.(LocatorStepAction)
	if !ok {
		t.Fatalf("expected LocatorStepAction, got %T", action)
	}
	if loc.Locator.Kind != browser.LocatorText || loc.Locator.Value != "Submit" {
		t.Fatalf("unexpected locator %+v", loc.Locator)
	}
	if loc.Action != browser.ActionClick {
		t.Fatalf("unexpected action %q", loc.Action)
	}
	if loc.Timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %s", loc.Timeout)
	}
}

func TestResolveRendersTemplates(t *testing.T) {
	vars := map[string]any{"invoice": "INV-0042", "amount": 120}

	def := StepDefinition{Type: StepUINavigation, NavigationKind: NavigationGoto, GotoURL: "/app/invoice/{{ invoice }}"}
	action, err := def.Resolve(vars)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if nav := action.(NavigationAction); nav.URL != "/app/invoice/INV-0042" {
		t.Fatalf("unexpected url %q", nav.URL)
	}

	def = StepDefinition{
		Type:         StepPlaywrightAction,
		LocatorKind:  browser.LocatorLabel,
		LocatorValue: "Amount",
		ActionKind:   browser.ActionFill,
		ActionValue:  "{{ amount }}",
	}
	action, err = def.Resolve(vars)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if loc := action.(LocatorStepAction); loc.Value != "120" {
		t.Fatalf("expected rendered fill value, got %q", loc.Value)
	}
}

func TestResolveWaitVariants(t *testing.T) {
	def := StepDefinition{Type: StepPlaywrightWait, WaitKind: WaitLoadState, TimeoutSeconds: 30}
	action, err := def.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	wait := action.(WaitCondition)
	if wait.LoadState != "load" {
		t.Fatalf("expected default load state, got %q", wait.LoadState)
	}
	if wait.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeout %s", wait.Timeout)
	}

	def = StepDefinition{Type: StepPlaywrightWait, WaitKind: WaitURLPattern, URLPattern: "*/app/home*"}
	action, err = def.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if wait := action.(WaitCondition); wait.URLPattern != "*/app/home*" {
		t.Fatalf("unexpected pattern %q", wait.URLPattern)
	}

	def = StepDefinition{Type: StepPlaywrightWait, WaitKind: "Network Idle"}
	if _, err := def.Resolve(nil); err == nil {
		t.Fatal("expected error for unknown wait kind")
	}
}

func TestResolveRejectsInvalidSteps(t *testing.T) {
	cases := []StepDefinition{
		{Type: StepServerScript},
		{Type: StepUINavigation, NavigationKind: NavigationGoto},
		{Type: StepWait},
		{Type: StepPlaywrightAction},
		{Type: "Shell Command"},
	}
	for _, def := range cases {
		if _, err := def.Resolve(nil); err == nil {
			t.Errorf("expected resolve error for %+v", def)
		}
	}
}

func TestRenderTemplateLeavesUnknownPlaceholders(t *testing.T) {
	got := RenderTemplate("/app/{{ doctype }}/{{ name }}", map[string]any{"doctype": "ToDo"})
	if got != "/app/ToDo/{{ name }}" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestDefinitionValidation(t *testing.T) {
	step := StepDefinition{Type: StepWait, WaitSeconds: 1}

	def := TestDefinition{Title: "smoke", Steps: []StepDefinition{step}}
	if err := def.Validate(); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}

	def = TestDefinition{Title: "smoke"}
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for empty steps")
	}

	def = TestDefinition{Title: "smoke", Enabled: true, IntervalMinutes: 1, Steps: []StepDefinition{step}}
	if err := def.Validate(); err == nil {
		t.Fatal("expected error for interval below 2 minutes")
	}
}

func TestSetupValidation(t *testing.T) {
	setup := TestSetup{Title: "qa", UserType: UserTypeNew, UserScript: "provision()"}
	if err := setup.Validate(); err != nil {
		t.Fatalf("expected valid setup, got %v", err)
	}

	setup = TestSetup{Title: "qa", UserType: UserTypeNew}
	if err := setup.Validate(); err == nil {
		t.Fatal("expected error for new user type without user script")
	}

	setup = TestSetup{Title: "qa", UserType: UserTypeExisting}
	if err := setup.Validate(); err == nil {
		t.Fatal("expected error for existing user type without a user")
	}

	setup = TestSetup{Title: "qa", UserType: UserTypeExisting, ExistingUser: "ops@example.com"}
	if err := setup.Validate(); err != nil {
		t.Fatalf("expected valid existing user setup, got %v", err)
	}

	setup = TestSetup{Title: "qa"}
	if err := setup.Validate(); err == nil {
		t.Fatal("expected error for missing user type")
	}
}

func TestListDueAndMarkTriggered(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	def, err := svc.CreateDefinition(ctx, TestDefinition{
		Title:           "nightly",
		Enabled:         true,
		IntervalMinutes: 5,
		Steps:           []StepDefinition{{Type: StepWait, WaitSeconds: 1}},
	})
	if err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if def.NextExecutionOn == nil {
		t.Fatal("expected next execution to be seeded")
	}

	due, err := svc.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}

	later := def.NextExecutionOn.Add(time.Second)
	due, err = svc.ListDue(ctx, later)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != def.ID {
		t.Fatalf("expected definition to be due, got %+v", due)
	}

	if err := svc.MarkTriggered(ctx, def.ID, later); err != nil {
		t.Fatalf("MarkTriggered: %v", err)
	}
	stored, err := svc.GetDefinition(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if stored.LastExecutionOn == nil || !stored.LastExecutionOn.Equal(later) {
		t.Fatalf("expected last execution %s, got %+v", later, stored.LastExecutionOn)
	}
	if stored.NextExecutionOn == nil || !stored.NextExecutionOn.Equal(later.Add(5*time.Minute)) {
		t.Fatalf("unexpected next execution %+v", stored.NextExecutionOn)
	}

	due, err = svc.ListDue(ctx, later)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due after trigger, got %d", len(due))
	}
}
