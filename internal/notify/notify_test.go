package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *capture) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.bodies)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries", n)
}

func TestDispatchToUserSignsPayload(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		UserID: "merchant-1",
		URL:    srv.URL,
		Secret: "topsecret",
		Events: []EventType{EventLinkApproved},
		Active: true,
	}))

	d := NewDispatcher(store)
	event := &Event{
		ID:        "evt_1",
		Type:      EventLinkApproved,
		Timestamp: time.Now(),
		Data:      map[string]any{"linkId": "pl-1"},
	}
	require.NoError(t, d.DispatchToUser(context.Background(), "merchant-1", event))
	cap.wait(t, 1)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, string(EventLinkApproved), cap.headers[0].Get("X-PeacePay-Event"))

	sig := cap.headers[0].Get("X-PeacePay-Signature")
	require.NotEmpty(t, sig)
	assert.True(t, hmac.Equal([]byte(sig), []byte(Sign(cap.bodies[0], "topsecret"))))

	var got Event
	require.NoError(t, json.Unmarshal(cap.bodies[0], &got))
	assert.Equal(t, "pl-1", got.Data["linkId"])
}

func TestDispatchSkipsUnsubscribedEvents(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		UserID: "merchant-1",
		URL:    srv.URL,
		Events: []EventType{EventLinkCanceled},
		Active: true,
	}))

	d := NewDispatcher(store)
	require.NoError(t, d.DispatchToUser(context.Background(), "merchant-1", &Event{
		ID: "evt_1", Type: EventLinkApproved, Timestamp: time.Now(),
	}))

	time.Sleep(100 * time.Millisecond)
	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Empty(t, cap.bodies)
}

func TestDispatchSkipsInactive(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		UserID: "merchant-1",
		URL:    srv.URL,
		Events: []EventType{EventLinkApproved},
		Active: false,
	}))

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "evt_1", Type: EventLinkApproved, Timestamp: time.Now(),
	}))

	time.Sleep(100 * time.Millisecond)
	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Empty(t, cap.bodies)
}

func TestDeliveryFailureRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := &Subscription{
		ID:     "wh_1",
		UserID: "merchant-1",
		URL:    srv.URL,
		Events: []EventType{EventLinkApproved},
		Active: true,
	}
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store)
	require.NoError(t, d.DispatchToUser(context.Background(), "merchant-1", &Event{
		ID: "evt_1", Type: EventLinkApproved, Timestamp: time.Now(),
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), "wh_1")
		require.NoError(t, err)
		if got.LastError != "" {
			assert.Contains(t, got.LastError, "status 500")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delivery failure never recorded")
}
