package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidilihatim/avolship-sub008/internal/availability"
	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/coordinator"
	"github.com/tidilihatim/avolship-sub008/internal/dispatch"
	"github.com/tidilihatim/avolship-sub008/internal/gatekeeper"
	"github.com/tidilihatim/avolship-sub008/internal/journal"
	"github.com/tidilihatim/avolship-sub008/internal/log"
	"github.com/tidilihatim/avolship-sub008/internal/metrics"
	"github.com/tidilihatim/avolship-sub008/internal/store"
)

const testSecret = "test-secret"

type testStack struct {
	srv     *httptest.Server
	coord   *coordinator.Coordinator
	tracker *availability.Tracker
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := log.NewNop()
	cfg := &config.Config{
		JWTSecret:         testSecret,
		LeaseTTL:          time.Minute,
		SweepInterval:     15 * time.Second,
		MaxWorkload:       3,
		SessionBuffer:     64,
		KeepaliveInterval: time.Hour,
	}
	leaseStore := store.NewLeaseStore()
	tracker := availability.NewTracker(cfg.MaxWorkload, logger)
	dispatcher := dispatch.NewDispatcher(cfg.SessionBuffer, logger)
	jrnl, err := journal.New("", 0, logger)
	require.NoError(t, err)
	m := metrics.NewQueueMetrics(leaseStore, dispatcher, cfg, logger)
	coord := coordinator.New(leaseStore, tracker, dispatcher, jrnl, m, cfg, logger)
	gate := gatekeeper.New(cfg.JWTSecret, logger)
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})

	r := chi.NewRouter()
	SetupRouter(r, cfg, coord, tracker, dispatcher, gate, rdb, jrnl, logger)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testStack{srv: srv, coord: coord, tracker: tracker}
}

func agentToken(t *testing.T, agentID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": agentID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAuthRequired(t *testing.T) {
	st := newTestStack(t)
	resp := doJSON(t, http.MethodPost, st.srv.URL+"/claim", "", map[string]string{"order_id": "o1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClaimAndSnapshot(t *testing.T) {
	st := newTestStack(t)
	token := agentToken(t, "a1")

	require.NoError(t, st.coord.EnqueueNewOrder(store.Order{ID: "o1", Number: "AV-1"}))
	st.tracker.SetOnline("a1", true)
	st.tracker.SetAvailable("a1", true)

	resp := doJSON(t, http.MethodPost, st.srv.URL+"/claim", token, map[string]string{"order_id": "o1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result coordinator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	require.NotNil(t, result.Lease)
	assert.Equal(t, "a1", result.Lease.AgentID)

	// Losing claim comes back synchronously with the typed reason.
	token2 := agentToken(t, "a2")
	st.tracker.SetOnline("a2", true)
	st.tracker.SetAvailable("a2", true)
	resp2 := doJSON(t, http.MethodPost, st.srv.URL+"/claim", token2, map[string]string{"order_id": "o1"})
	defer resp2.Body.Close()
	var result2 coordinator.Result
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result2))
	assert.False(t, result2.Success)
	assert.Equal(t, store.ReasonAlreadyAssigned, result2.Reason)

	// Stateless fallback serves the same shape as the push snapshot.
	resp3 := doJSON(t, http.MethodGet, st.srv.URL+"/snapshot", token, nil)
	defer resp3.Body.Close()
	var snap store.Snapshot
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&snap))
	assert.Empty(t, snap.UnassignedOrders)
	require.Len(t, snap.MyLeases, 1)
	assert.Equal(t, "o1", snap.MyLeases[0].Order.ID)
}

func TestReleaseRoute(t *testing.T) {
	st := newTestStack(t)
	token := agentToken(t, "a1")
	st.tracker.SetOnline("a1", true)
	st.tracker.SetAvailable("a1", true)
	require.NoError(t, st.coord.EnqueueNewOrder(store.Order{ID: "o1"}))
	require.True(t, st.coord.RequestAssignment("a1", "o1").Success)

	resp := doJSON(t, http.MethodPost, st.srv.URL+"/release", token,
		map[string]string{"order_id": "o1", "outcome": "bogus"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := doJSON(t, http.MethodPost, st.srv.URL+"/release", token,
		map[string]string{"order_id": "o1", "outcome": coordinator.OutcomeConfirmed})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var result coordinator.Result
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, 0, st.tracker.WorkloadOf("a1"))
}

func TestSetAvailableRoute(t *testing.T) {
	st := newTestStack(t)
	token := agentToken(t, "a1")
	st.tracker.SetOnline("a1", true)

	resp := doJSON(t, http.MethodPost, st.srv.URL+"/available", token, map[string]bool{"available": true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, st.tracker.IsEligible("a1"))
}

func TestHealthReportsRedisDown(t *testing.T) {
	st := newTestStack(t)
	resp, err := http.Get(st.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// readUntilEvent consumes SSE lines until the named event's data line
// arrives, returning the raw JSON payload.
func readUntilEvent(t *testing.T, r *bufio.Reader, name string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()
	found := false
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before event %q", name)
			}
			if line == "event: "+name {
				found = true
			} else if found && strings.HasPrefix(line, "data: ") {
				return strings.TrimPrefix(line, "data: ")
			}
		}
	}
}

func TestEventsStream(t *testing.T) {
	st := newTestStack(t)
	token := agentToken(t, "a1")
	require.NoError(t, st.coord.EnqueueNewOrder(store.Order{ID: "o1", Number: "AV-1"}))

	resp, err := http.Get(st.srv.URL + "/events?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	var ident gatekeeper.AgentIdentity
	require.NoError(t, json.Unmarshal([]byte(readUntilEvent(t, reader, "authSuccess")), &ident))
	assert.Equal(t, "a1", ident.ID)

	var snap store.Snapshot
	require.NoError(t, json.Unmarshal([]byte(readUntilEvent(t, reader, "queueSnapshot")), &snap))
	require.Len(t, snap.UnassignedOrders, 1)
	assert.Equal(t, "o1", snap.UnassignedOrders[0].ID)

	// Connected agents are online; opt in and push a new order through.
	assert.True(t, st.tracker.IsOnline("a1"))
	st.tracker.SetAvailable("a1", true)
	require.NoError(t, st.coord.EnqueueNewOrder(store.Order{ID: "o2", Number: "AV-2"}))

	var order store.Order
	require.NoError(t, json.Unmarshal([]byte(readUntilEvent(t, reader, "newOrderAvailable")), &order))
	assert.Equal(t, "o2", order.ID)
}

func TestEventsStreamRejectsBadToken(t *testing.T) {
	st := newTestStack(t)
	resp, err := http.Get(st.srv.URL + "/events?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	payload := readUntilEvent(t, reader, "authError")
	assert.Contains(t, payload, "reason")
	assert.False(t, st.tracker.IsOnline("garbage"))
}
