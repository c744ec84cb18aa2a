package handler

import (
	"bufio"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/token-relay/internal/buffer"
	"github.com/streamforge/token-relay/internal/model"
	"github.com/streamforge/token-relay/internal/producer"
	"github.com/streamforge/token-relay/internal/registry"
	"github.com/streamforge/token-relay/internal/relay"
	"github.com/streamforge/token-relay/internal/store"
	"github.com/streamforge/token-relay/pkg/logger"
)

// fixedProducer replays a canned delta sequence ending in a terminal
// fragment.
type fixedProducer struct {
	deltas []string
}

func (p *fixedProducer) Stream(ctx context.Context, req producer.GenerationRequest) (producer.FragmentStream, error) {
	return &fixedStream{deltas: p.deltas}, nil
}

func (p *fixedProducer) Name() string { return "fixed" }

type fixedStream struct {
	mu     sync.Mutex
	deltas []string
	next   int
}

func (s *fixedStream) Recv() (producer.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next > len(s.deltas) {
		return producer.Fragment{}, io.EOF
	}
	if s.next == len(s.deltas) {
		s.next++
		return producer.Fragment{
			Content:      strings.Join(s.deltas, ""),
			FinishReason: "stop",
		}, nil
	}
	fragment := producer.Fragment{
		Content: strings.Join(s.deltas[:s.next+1], ""),
		Delta:   s.deltas[s.next],
	}
	s.next++
	return fragment, nil
}

func (s *fixedStream) Close() error { return nil }

type streamFixture struct {
	registry *registry.Registry
	handler  *StreamHandler
}

func newStreamFixture(t *testing.T, prod producer.Producer) *streamFixture {
	t.Helper()
	st, err := store.OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	buffers := buffer.NewManager(st, nil, 2, logger.NewNop())
	reg := registry.New(st, buffers, 8, model.ConnectionOptions{
		BufferSize:     64 * 1024,
		FlushThreshold: 0.8,
	}, logger.NewNop())
	orch := relay.NewOrchestrator(reg, buffers, prod, time.Hour, logger.NewNop())

	return &streamFixture{
		registry: reg,
		handler:  NewStreamHandler(orch, logger.NewNop()),
	}
}

func newRouterFor(f *streamFixture) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/connections/{id}/stream", f.handler.Stream)
	return r
}

func TestStreamWritesWireFormat(t *testing.T) {
	f := newStreamFixture(t, &fixedProducer{deltas: []string{"one ", "two"}})

	conn, err := f.registry.Create(context.Background(), &model.CreateConnectionRequest{
		ClientID: "client-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/connections/"+conn.ID+"/stream",
		strings.NewReader(`{"prompt":"count"}`))
	rec := httptest.NewRecorder()
	newRouterFor(f).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	events := parseSSE(t, body)

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "start", events[0].name)
	assert.Equal(t, "chunk", events[1].name)
	assert.Equal(t, "chunk", events[2].name)
	assert.Equal(t, "complete", events[len(events)-1].name)

	for _, event := range events {
		assert.NotEmpty(t, event.id, "every event carries an id line")
		assert.NotEmpty(t, event.data, "every event carries a data line")
		_, err := time.Parse(time.RFC3339, event.timestamp)
		assert.NoError(t, err, "timestamp line is RFC 3339")
	}

	assert.Contains(t, events[2].data, `"delta":"two"`)
	assert.Contains(t, events[len(events)-1].data, `"finish_reason":"stop"`)
}

func TestStreamUnknownConnection(t *testing.T) {
	f := newStreamFixture(t, &fixedProducer{})

	req := httptest.NewRequest("POST", "/api/v1/connections/2b41b31e-0b9e-7cce-8b50-1cf71a23d8e1/stream",
		strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	newRouterFor(f).ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestStreamInvalidConnectionID(t *testing.T) {
	f := newStreamFixture(t, &fixedProducer{})

	req := httptest.NewRequest("POST", "/api/v1/connections/not-a-uuid/stream",
		strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	newRouterFor(f).ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestStreamRejectsEmptyPrompt(t *testing.T) {
	f := newStreamFixture(t, &fixedProducer{})

	conn, err := f.registry.Create(context.Background(), &model.CreateConnectionRequest{
		ClientID: "client-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/connections/"+conn.ID+"/stream",
		strings.NewReader(`{"prompt":""}`))
	rec := httptest.NewRecorder()
	newRouterFor(f).ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestStreamConflictsOnSecondStart(t *testing.T) {
	f := newStreamFixture(t, &fixedProducer{deltas: []string{"x"}})

	conn, err := f.registry.Create(context.Background(), &model.CreateConnectionRequest{
		ClientID: "client-1",
	})
	require.NoError(t, err)

	first := httptest.NewRequest("POST", "/api/v1/connections/"+conn.ID+"/stream",
		strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	router := newRouterFor(f)
	router.ServeHTTP(rec, first)
	require.Equal(t, 200, rec.Code)

	second := httptest.NewRequest("POST", "/api/v1/connections/"+conn.ID+"/stream",
		strings.NewReader(`{"prompt":"hi"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, second)
	assert.Equal(t, 409, rec.Code)
}

type sseEvent struct {
	name      string
	id        string
	data      string
	timestamp string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, "timestamp: "):
			current.timestamp = strings.TrimPrefix(line, "timestamp: ")
		}
	}
	require.NoError(t, scanner.Err())
	return events
}
