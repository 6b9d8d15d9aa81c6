package browser

import (
	"regexp"
	"strings"
	"testing"
)

func TestWildcardToRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"https://x/*", "https://x/done", true},
		{"https://x/*", "https://y/done", false},
		{"*checkout*", "https://shop/checkout/step-1", true},
		{"https://x/done", "https://x/done", true},
		{"https://x/done", "https://x/done-extra", false},
		{"https://x/a+b", "https://x/a+b", true},
	}
	for _, tt := range tests {
		re, err := regexp.Compile(wildcardToRegexp(tt.pattern))
		if err != nil {
			t.Fatalf("pattern %q compiled to invalid regexp: %v", tt.pattern, err)
		}
		if got := re.MatchString(tt.url); got != tt.want {
			t.Errorf("pattern %q against %q = %v, want %v", tt.pattern, tt.url, got, tt.want)
		}
	}
}

func TestActionExpressionCoversAllActions(t *testing.T) {
	locator := Locator{Kind: LocatorText, Value: "Submit"}
	for _, action := range []ActionKind{
		ActionClick, ActionDoubleClick, ActionCheck, ActionUncheck,
		ActionFill, ActionSelect, ActionClear,
	} {
		expr, err := actionExpression(locator, action, "value")
		if err != nil {
			t.Fatalf("action %s: %v", action, err)
		}
		if !strings.Contains(expr, "not_found") {
			t.Errorf("action %s expression misses the not_found branch", action)
		}
	}
}

func TestActionExpressionUnknownAction(t *testing.T) {
	if _, err := actionExpression(Locator{Kind: LocatorText, Value: "x"}, ActionKind("Hover"), ""); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestFinderScriptUnknownKind(t *testing.T) {
	if _, err := finderScript(Locator{Kind: LocatorKind("Get By Vibes")}); err == nil {
		t.Fatal("expected error for unknown locator kind")
	}
}

func TestFinderScriptEmbedsExactFlag(t *testing.T) {
	exact, err := finderScript(Locator{Kind: LocatorText, Value: "Submit", Exact: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exact, "true") {
		t.Error("exact locator script should carry the exact flag")
	}

	loose, err := finderScript(Locator{Kind: LocatorText, Value: "Submit"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(loose, "false") {
		t.Error("non-exact locator script should carry a false exact flag")
	}
}
