package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	return NewHTTPClient("http", parsed.Host, "secret-token")
}

func TestHealthSendsBearerToken(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok","sessions":3}`))
	})

	health, ok := client.Health(context.Background())
	if !ok {
		t.Fatal("expected health call to succeed")
	}
	if health.Sessions != 3 {
		t.Fatalf("sessions = %d, want 3", health.Sessions)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestHealthNon200IsFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"sessions":3}`))
	})

	if _, ok := client.Health(context.Background()); ok {
		t.Fatal("expected non-200 to be a failure")
	}
}

func TestHealthDecodeFailureIsFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	})

	if _, ok := client.Health(context.Background()); ok {
		t.Fatal("expected decode failure to be a failure")
	}
}

func TestHealthNetworkFailureIsFailure(t *testing.T) {
	client := NewHTTPClient("http", "127.0.0.1:1", "token")
	if _, ok := client.Health(context.Background()); ok {
		t.Fatal("expected refused connection to be a failure")
	}
}

func TestCreateSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"session_id":"abc","auth_token":"tok","endpoint":"ws://agent/cdp/abc","created_on":1700000000}`))
	})

	created, ok := client.CreateSession(context.Background())
	if !ok {
		t.Fatal("expected create to succeed")
	}
	if created.SessionID != "abc" || created.AuthToken != "tok" {
		t.Fatalf("unexpected payload: %+v", created)
	}
	if created.CreatedAt().Unix() != 1700000000 {
		t.Fatalf("created at = %v", created.CreatedAt())
	}
}

func TestCreateSessionRejectsEmptySessionID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	})
	if _, ok := client.CreateSession(context.Background()); ok {
		t.Fatal("expected empty session_id to be a failure")
	}
}

func TestIsSessionActive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/sessions/") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"Active"}`))
	})

	if !client.IsSessionActive(context.Background(), "abc") {
		t.Fatal("expected session to be active")
	}
}

func TestFetchVideoReturnsRawBytes(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02, 0xff}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/abc/videos/v1.webm" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write(payload)
	})

	data, ok := client.FetchVideo(context.Background(), "abc", "v1.webm")
	if !ok {
		t.Fatal("expected fetch to succeed")
	}
	if string(data) != string(payload) {
		t.Fatalf("payload mismatch: %v", data)
	}
}

func TestListVideos(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`["v1.webm","v2.webm"]`))
	})

	videos, ok := client.ListVideos(context.Background(), "abc")
	if !ok {
		t.Fatal("expected list to succeed")
	}
	if len(videos) != 2 || videos[0] != "v1.webm" {
		t.Fatalf("unexpected videos: %v", videos)
	}
}

func TestDestroySession(t *testing.T) {
	var method, path string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		w.Write([]byte(`{"status":"terminated"}`))
	})

	if !client.DestroySession(context.Background(), "abc") {
		t.Fatal("expected destroy to succeed")
	}
	if method != http.MethodDelete || path != "/sessions/abc" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
}
