package browser

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type LocatorKind string

const (
	LocatorLabel       LocatorKind = "Get By Label"
	LocatorText        LocatorKind = "Get By Text"
	LocatorRole        LocatorKind = "Get By Role"
	LocatorPlaceholder LocatorKind = "Get By Placeholder"
	LocatorSelector    LocatorKind = "Custom Selector"
)

type ActionKind string

const (
	ActionClick       ActionKind = "Click"
	ActionDoubleClick ActionKind = "Double Click"
	ActionCheck       ActionKind = "Check"
	ActionUncheck     ActionKind = "Uncheck"
	ActionFill        ActionKind = "Fill"
	ActionSelect      ActionKind = "Select"
	ActionClear       ActionKind = "Clear"
)

type Locator struct {
	Kind  LocatorKind
	Value string
	Exact bool
}

// Apply resolves the locator and performs the action on the first
// visible match, retrying until the timeout elapses. Value carries the
// text for Fill and the option value for Select.
func (c *Client) Apply(ctx context.Context, locator Locator, action ActionKind, value string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expression, err := actionExpression(locator, action, value)
	if err != nil {
		return err
	}

	for {
		result, evalErr := c.evaluate(actCtx, expression)
		if evalErr != nil {
			if actCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%s on %s %q timed out after %s", action, locator.Kind, locator.Value, timeout)
			}
			return evalErr
		}
		outcome, _ := result.(string)
		switch outcome {
		case "ok":
			if action == ActionFill {
				// The element is now focused and empty; type through the
				// input domain so listeners see real key events.
				if err := c.Call(actCtx, "Input.insertText", map[string]any{"text": value}, nil); err != nil {
					return fmt.Errorf("fill failed: %w", err)
				}
			}
			return nil
		case "not_found":
		default:
			return fmt.Errorf("%s failed: %s", action, outcome)
		}

		select {
		case <-actCtx.Done():
			return fmt.Errorf("%s on %s %q timed out after %s", action, locator.Kind, locator.Value, timeout)
		case <-time.After(pollInterval):
		}
	}
}

func actionExpression(locator Locator, action ActionKind, value string) (string, error) {
	finder, err := finderScript(locator)
	if err != nil {
		return "", err
	}

	var act string
	switch action {
	case ActionClick:
		act = `el.click(); return "ok";`
	case ActionDoubleClick:
		act = `el.click(); el.dispatchEvent(new MouseEvent("dblclick", {bubbles: true})); return "ok";`
	case ActionCheck:
		act = `if (!el.checked) el.click(); return "ok";`
	case ActionUncheck:
		act = `if (el.checked) el.click(); return "ok";`
	case ActionClear, ActionFill:
		act = `if (!("value" in el)) return "not_editable";
		el.value = "";
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return "ok";`
	case ActionSelect:
		act = fmt.Sprintf(`if (el.tagName !== "SELECT") return "not_a_select";
		el.value = %q;
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return "ok";`, value)
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}

	return fmt.Sprintf(`(() => {
	const visible = (node) => {
		if (!(node instanceof Element)) return false;
		const style = window.getComputedStyle(node);
		if (!style || style.display === "none" || style.visibility === "hidden") return false;
		const rect = node.getBoundingClientRect();
		return rect.width > 1 && rect.height > 1;
	};
	const matchText = (text, wanted, exact) => {
		const trimmed = String(text || "").trim();
		return exact ? trimmed === wanted : trimmed.includes(wanted);
	};
	const el = (%s)(visible, matchText);
	if (!el) return "not_found";
	el.scrollIntoView({block: "center", inline: "center"});
	if (typeof el.focus === "function") el.focus();
	%s
	})()`, finder, act), nil
}

func finderScript(locator Locator) (string, error) {
	wanted := locator.Value
	exact := "false"
	if locator.Exact {
		exact = "true"
	}

	switch locator.Kind {
	case LocatorSelector:
		return fmt.Sprintf(`(visible) =>
		Array.from(document.querySelectorAll(%q)).find(visible)`, wanted), nil

	case LocatorText:
		return fmt.Sprintf(`(visible, matchText) =>
		Array.from(document.querySelectorAll("button, a, span, div, p, label, li, td, th, h1, h2, h3, h4, h5, h6"))
			.filter(visible)
			.find((node) => matchText(node.textContent, %q, %s))`, wanted, exact), nil

	case LocatorPlaceholder:
		return fmt.Sprintf(`(visible, matchText) =>
		Array.from(document.querySelectorAll("[placeholder]"))
			.filter(visible)
			.find((node) => matchText(node.getAttribute("placeholder"), %q, %s))`, wanted, exact), nil

	case LocatorLabel:
		return fmt.Sprintf(`(visible, matchText) => {
		const label = Array.from(document.querySelectorAll("label"))
			.filter(visible)
			.find((node) => matchText(node.textContent, %q, %s));
		if (!label) return undefined;
		if (label.htmlFor) return document.getElementById(label.htmlFor) || undefined;
		return label.querySelector("input, textarea, select") || undefined;
		}`, wanted, exact), nil

	case LocatorRole:
		return fmt.Sprintf(`(visible) => {
		const role = %q;
		const implicit = {
			button: "button, input[type=button], input[type=submit]",
			link: "a[href]",
			textbox: "input:not([type]), input[type=text], textarea",
			checkbox: "input[type=checkbox]",
			radio: "input[type=radio]",
			combobox: "select",
		};
		const explicit = Array.from(document.querySelectorAll('[role="' + role + '"]')).filter(visible);
		if (explicit.length > 0) return explicit[0];
		const selector = implicit[role];
		if (!selector) return undefined;
		return Array.from(document.querySelectorAll(selector)).find(visible);
		}`, strings.ToLower(wanted)), nil

	default:
		return "", fmt.Errorf("unknown locator kind %q", locator.Kind)
	}
}
