package script

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newBridgeServer(t *testing.T, handler http.HandlerFunc) (*HTTPBridge, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPBridge(srv.URL, "secret-token", 5*time.Second), srv
}

func TestHTTPBridgeRun(t *testing.T) {
	var gotAuth string
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scripts/run" {
			t.Errorf("path = %q, want /scripts/run", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var payload struct {
			Script    string         `json:"script"`
			Variables map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Script != "make_order()" {
			t.Errorf("script = %q", payload.Script)
		}
		json.NewEncoder(w).Encode(Result{
			Outcome: OutcomeSuccess,
			Output:  map[string]any{"order_id": "SO-0001"},
		})
	})

	result, err := bridge.Run(context.Background(), "make_order()", map[string]any{"customer": "acme"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed() {
		t.Fatalf("result failed: %+v", result)
	}
	if result.Output["order_id"] != "SO-0001" {
		t.Errorf("output = %v", result.Output)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestHTTPBridgeRunDefaultsOutcome(t *testing.T) {
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":"ok"}`))
	})

	result, err := bridge.Run(context.Background(), "noop()", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %q, want %q", result.Outcome, OutcomeSuccess)
	}
}

func TestHTTPBridgeRunError(t *testing.T) {
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox unavailable", http.StatusBadGateway)
	})

	if _, err := bridge.Run(context.Background(), "noop()", nil); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestHTTPBridgeProvisionUser(t *testing.T) {
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scripts/provision-user" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"user":"qa@example.com"}`))
	})

	user, err := bridge.ProvisionUser(context.Background(), "create_user()", nil)
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if user != "qa@example.com" {
		t.Errorf("user = %q", user)
	}
}

func TestHTTPBridgeProvisionUserEmpty(t *testing.T) {
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	if _, err := bridge.ProvisionUser(context.Background(), "create_user()", nil); err == nil {
		t.Fatal("expected error when backend returns no user")
	}
}

func TestHTTPBridgeIssueSession(t *testing.T) {
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scripts/issue-session" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"sid":"abc123"}`))
	})

	sid, err := bridge.IssueSession(context.Background(), "qa@example.com")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if sid != "abc123" {
		t.Errorf("sid = %q", sid)
	}
}

func TestHTTPBridgeDiscoverAndDelete(t *testing.T) {
	var deleted []ResourceRef
	bridge, _ := newBridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scripts/discover":
			w.Write([]byte(`{"documents":[{"doctype":"Sales Order","name":"SO-0001"}]}`))
		case "/scripts/delete-document":
			var ref ResourceRef
			json.NewDecoder(r.Body).Decode(&ref)
			deleted = append(deleted, ref)
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})

	refs, err := bridge.Discover(context.Background(), "list_docs()", nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(refs) != 1 || refs[0].Doctype != "Sales Order" {
		t.Fatalf("refs = %+v", refs)
	}
	if err := bridge.Delete(context.Background(), refs[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deleted) != 1 || deleted[0].Name != "SO-0001" {
		t.Errorf("deleted = %+v", deleted)
	}
}

func TestDisabledCollaborators(t *testing.T) {
	d := NewDisabled(nil)

	if _, err := d.Run(context.Background(), "noop()", nil); err == nil {
		t.Error("Run should fail without a bridge")
	}
	if _, err := d.ProvisionUser(context.Background(), "noop()", nil); err == nil {
		t.Error("ProvisionUser should fail without a bridge")
	}
	if _, err := d.IssueSession(context.Background(), "user"); err == nil {
		t.Error("IssueSession should fail without a bridge")
	}
	refs, err := d.Discover(context.Background(), "noop()", nil)
	if err != nil || refs != nil {
		t.Errorf("Discover = %v, %v; want nil, nil", refs, err)
	}
	if err := d.Delete(context.Background(), ResourceRef{Doctype: "Note", Name: "n1"}); err == nil {
		t.Error("Delete should fail without a bridge")
	}
}
