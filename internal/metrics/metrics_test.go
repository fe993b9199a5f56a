package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestIncAndGet(t *testing.T) {
	m := New()
	if got := m.Get(ForwardRelayed); got != 0 {
		t.Fatalf("Get on fresh registry = %d, want 0", got)
	}

	m.Inc(ForwardRelayed)
	m.Inc(ForwardRelayed)
	m.Inc(ForwardDropped)

	if got := m.Get(ForwardRelayed); got != 2 {
		t.Fatalf("Get(%q) = %d, want 2", ForwardRelayed, got)
	}
	if got := m.Get(ForwardDropped); got != 1 {
		t.Fatalf("Get(%q) = %d, want 1", ForwardDropped, got)
	}
}

func TestIncConcurrent(t *testing.T) {
	m := New()

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(ParticipantJoined)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(ParticipantJoined); got != workers*perWorker {
		t.Fatalf("Get = %d, want %d", got, workers*perWorker)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(RoomCreated)

	snap := m.Snapshot()
	snap[RoomCreated] = 99

	if got := m.Get(RoomCreated); got != 1 {
		t.Fatalf("Get after mutating snapshot = %d, want 1", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(RoomCreated)
	m.Inc(ForwardDropped)
	m.Inc(ForwardDropped)

	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body, _ := io.ReadAll(rr.Result().Body)
	text := string(body)

	for _, want := range []string{
		"# TYPE signal_relay_events_total counter",
		`signal_relay_events_total{event="room_created"} 1`,
		`signal_relay_events_total{event="forward_dropped"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %q:\n%s", want, text)
		}
	}
}

func TestPrometheusHandlerNilMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 500 {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}
