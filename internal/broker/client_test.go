package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
)

// fakeControlPlane is a minimal EMQX v5 admin API: token login plus
// per-client GET and DELETE.
type fakeControlPlane struct {
	t *testing.T

	// connected maps client_id to connection state. Absent keys 404.
	connected map[string]bool

	// validToken is the token login hands out.
	validToken string

	// rejectFirstToken makes the server 401 the first authed request to
	// exercise the refresh-and-retry path.
	rejectFirstToken bool

	logins      atomic.Int64
	disconnects atomic.Int64
	rejected    atomic.Bool
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v5/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.logins.Add(1)
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": f.validToken})
	})

	mux.HandleFunc("/api/v5/clients/", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectFirstToken && !f.rejected.Swap(true) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+f.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		clientID, _ := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/v5/clients/"))
		connected, exists := f.connected[clientID]

		switch r.Method {
		case http.MethodGet:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"clientid":  clientID,
				"connected": connected,
			})
		case http.MethodDelete:
			f.disconnects.Add(1)
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.connected, clientID)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func testClient(t *testing.T, fake *fakeControlPlane) *Client {
	t.Helper()

	fake.t = t
	if fake.validToken == "" {
		fake.validToken = "tok-1"
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	return New(config.BrokerAPIConfig{
		Host:     u.Hostname(),
		Port:     port,
		Username: "admin",
		Password: "secret",
		Timeout:  5,
	})
}

func TestQueryStatus_Connected(t *testing.T) {
	fake := &fakeControlPlane{connected: map[string]bool{"alice-transmitter-001": true}}
	client := testClient(t, fake)

	status, err := client.QueryStatus(context.Background(), "alice-transmitter-001")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if status != StatusConnected {
		t.Errorf("status = %v, want Connected", status)
	}
}

func TestQueryStatus_DisconnectedFlag(t *testing.T) {
	fake := &fakeControlPlane{connected: map[string]bool{"alice-transmitter-001": false}}
	client := testClient(t, fake)

	status, err := client.QueryStatus(context.Background(), "alice-transmitter-001")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if status != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected", status)
	}
}

func TestQueryStatus_NotFoundIsDisconnected(t *testing.T) {
	fake := &fakeControlPlane{connected: map[string]bool{}}
	client := testClient(t, fake)

	status, err := client.QueryStatus(context.Background(), "alice-transmitter-001")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if status != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected (404 means gone)", status)
	}
}

func TestQueryStatus_AuthFailureIsUnknown(t *testing.T) {
	fake := &fakeControlPlane{connected: map[string]bool{}}
	client := testClient(t, fake)
	client.password = "wrong"
	client.username = "wrong"

	status, err := client.QueryStatus(context.Background(), "alice-transmitter-001")
	if status != StatusUnknown {
		t.Errorf("status = %v, want Unknown (auth failure is indeterminate)", status)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestQueryStatus_NetworkErrorIsUnknown(t *testing.T) {
	client := New(config.BrokerAPIConfig{
		Host:    "127.0.0.1",
		Port:    1, // Nothing listens here
		Timeout: 1,
	})

	status, err := client.QueryStatus(context.Background(), "alice-transmitter-001")
	if status != StatusUnknown {
		t.Errorf("status = %v, want Unknown (network error is indeterminate)", status)
	}
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestQueryStatus_RetriesOnceOnExpiredToken(t *testing.T) {
	fake := &fakeControlPlane{
		connected:        map[string]bool{"alice-transmitter-001": true},
		rejectFirstToken: true,
	}
	client := testClient(t, fake)

	status, err := client.QueryStatus(context.Background(), "alice-transmitter-001")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if status != StatusConnected {
		t.Errorf("status = %v, want Connected after token refresh", status)
	}
	if n := fake.logins.Load(); n != 2 {
		t.Errorf("logins = %d, want 2 (initial + refresh)", n)
	}
}

func TestForceDisconnect(t *testing.T) {
	fake := &fakeControlPlane{connected: map[string]bool{"alice-transmitter-001": true}}
	client := testClient(t, fake)
	ctx := context.Background()

	if err := client.ForceDisconnect(ctx, "alice-transmitter-001"); err != nil {
		t.Fatalf("ForceDisconnect() error = %v", err)
	}

	// Kicking an already-absent client is a no-op success.
	if err := client.ForceDisconnect(ctx, "alice-transmitter-001"); err != nil {
		t.Errorf("ForceDisconnect() on absent client error = %v, want nil", err)
	}

	status, err := client.QueryStatus(ctx, "alice-transmitter-001")
	if err != nil {
		t.Fatalf("QueryStatus() error = %v", err)
	}
	if status != StatusDisconnected {
		t.Errorf("status after disconnect = %v, want Disconnected", status)
	}
}

func TestStatus_String(t *testing.T) {
	if StatusConnected.String() != "connected" ||
		StatusDisconnected.String() != "disconnected" ||
		StatusUnknown.String() != "unknown" {
		t.Error("Status.String() names do not match")
	}
}
