package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := &Client{
		ClusterID:  "test",
		Host:       "pve.test",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		user:       "api@pam",
		password:   "secret",
	}
	require.NoError(t, c.ensureTicket(context.Background()))
	return c
}

func ticketHandler(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/access/ticket" {
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]string{
					"ticket":              "PVE:ticket",
					"CSRFPreventionToken": "csrf",
				},
			})
			return
		}
		next(w, r)
	})
}

func TestAuthenticateSetsTicketAndCSRF(t *testing.T) {
	c := newTestClient(t, ticketHandler(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	require.Equal(t, "PVE:ticket", c.ticket)
	require.Equal(t, "csrf", c.csrfToken)
	require.False(t, c.ticketExpires.IsZero())
}

func TestRequestSendsCookieAndCSRFOnMutation(t *testing.T) {
	var gotCookie, gotCSRF string
	c := newTestClient(t, ticketHandler(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotCSRF = r.Header.Get("CSRFPreventionToken")
		json.NewEncoder(w).Encode(map[string]any{"data": nil})
	}))

	_, err := c.Post(context.Background(), "/nodes/pve1/qemu/100/status/start", nil)
	require.NoError(t, err)
	require.Equal(t, "PVEAuthCookie=PVE:ticket", gotCookie)
	require.Equal(t, "csrf", gotCSRF)
}

func TestGetJSONUnwrapsEnvelope(t *testing.T) {
	c := newTestClient(t, ticketHandler(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cluster/resources", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"vmid": 100, "name": "web", "node": "pve1", "type": "qemu", "template": 0},
				{"vmid": 9000, "name": "base", "node": "pve2", "type": "qemu", "template": 1},
			},
		})
	}))

	resources, err := c.GetClusterResources(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 2)
	require.Equal(t, 100, resources[0].VMID)
	require.True(t, resources[1].IsTemplate())
}

// The registry shares one client between the sync loop, the daemons, and
// request handlers, so renewal must be safe under concurrency: exactly one
// ticket exchange, and every request carries a consistent ticket/CSRF pair.
func TestConcurrentRequestsShareOneTicketExchange(t *testing.T) {
	var mu sync.Mutex
	ticketCalls := 0
	seenPairs := make(map[string]bool)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/access/ticket" {
			mu.Lock()
			ticketCalls++
			n := ticketCalls
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]string{
					"ticket":              fmt.Sprintf("PVE:ticket-%d", n),
					"CSRFPreventionToken": fmt.Sprintf("csrf-%d", n),
				},
			})
			return
		}
		mu.Lock()
		seenPairs[r.Header.Get("Cookie")+"|"+r.Header.Get("CSRFPreventionToken")] = true
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"data": nil})
	}))

	// Force the next request through the renewal path on every goroutine.
	c.authMu.Lock()
	c.ticketExpires = time.Now().Add(-time.Minute)
	c.authMu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Post(context.Background(), "/nodes/pve1/qemu/100/status/start", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 2, ticketCalls, "one initial exchange plus one shared renewal")
	require.Len(t, seenPairs, 1, "every request used the same ticket/CSRF pair")
	require.True(t, seenPairs["PVEAuthCookie=PVE:ticket-2|csrf-2"])
}

func TestGetRetriesTransientFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, ticketHandler(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []Node{{Node: "pve1"}}})
	}))

	nodes, err := c.GetNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, 3, calls)
}

func TestFlexIntAcceptsStringAndNumber(t *testing.T) {
	var ticket VNCProxyTicket
	require.NoError(t, json.Unmarshal([]byte(`{"ticket":"T","port":"5900"}`), &ticket))
	require.EqualValues(t, 5900, ticket.Port)

	require.NoError(t, json.Unmarshal([]byte(`{"ticket":"T","port":5901}`), &ticket))
	require.EqualValues(t, 5901, ticket.Port)
}

func TestVNCWebsocketURL(t *testing.T) {
	c := &Client{Host: "pve.example.edu"}
	ticket := &VNCProxyTicket{Ticket: "PVEVNC:abc/def+g", Port: 5900}

	u := c.VNCWebsocketURL("pve1", "qemu", 501, ticket)
	require.True(t, strings.HasPrefix(u, "wss://pve.example.edu:8006/api2/json/nodes/pve1/qemu/501/vncwebsocket?"))

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "5900", parsed.Query().Get("port"))
	require.Equal(t, "PVEVNC:abc/def+g", parsed.Query().Get("vncticket"))

	// A cluster configured off the default API port tunnels on that port.
	custom := &Client{Host: "pve.example.edu", Port: 443}
	u = custom.VNCWebsocketURL("pve1", "qemu", 501, ticket)
	require.True(t, strings.HasPrefix(u, "wss://pve.example.edu:443/"))
}
