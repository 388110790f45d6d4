package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-service-dispatch-system/api/internal/models"
	identityclient "field-service-dispatch-system/shared/clients/identity"
	"field-service-dispatch-system/shared/logx"
)

type staticSource struct {
	workers []models.Worker
	err     error
	calls   int
}

func (s *staticSource) ListActiveWorkers(context.Context) ([]models.Worker, error) {
	s.calls++
	return s.workers, s.err
}

type memCache struct {
	data    map[string][]byte
	readErr error
}

func (m *memCache) Key(parts ...string) string { return "test:" + strings.Join(parts, ":") }

func (m *memCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	if m.readErr != nil {
		return false, m.readErr
	}
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = b
	return nil
}

func TestCachedServesSecondCallFromCache(t *testing.T) {
	src := &staticSource{workers: []models.Worker{
		{WorkerID: "w2", FirstName: "Bao", Active: true},
		{WorkerID: "w1", FirstName: "An", Active: true},
	}}
	dir := &Cached{Source: src, Cache: &memCache{}, TTL: time.Minute, Logger: logx.Discard()}

	first, err := dir.ListActiveWorkers(t.Context())
	require.NoError(t, err)
	second, err := dir.ListActiveWorkers(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
	assert.Equal(t, first, second)
	assert.Equal(t, "w1", first[0].WorkerID)
}

func TestCachedFallsThroughOnCacheError(t *testing.T) {
	src := &staticSource{workers: []models.Worker{{WorkerID: "w1", Active: true}}}
	dir := &Cached{Source: src, Cache: &memCache{readErr: errors.New("redis down")}, TTL: time.Minute, Logger: logx.Discard()}

	ws, err := dir.ListActiveWorkers(t.Context())
	require.NoError(t, err)
	assert.Len(t, ws, 1)
}

func TestCachedDropsInactiveAndDuplicates(t *testing.T) {
	src := &staticSource{workers: []models.Worker{
		{WorkerID: "w1", Active: true},
		{WorkerID: "w1", Active: true},
		{WorkerID: "w2", Active: false},
		{WorkerID: "", Active: true},
	}}
	ws, err := (&Cached{Source: src, Logger: logx.Discard()}).ListActiveWorkers(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []models.Worker{{WorkerID: "w1", Active: true}}, ws)
}

func TestCachedPropagatesSourceError(t *testing.T) {
	src := &staticSource{err: errors.New("boom")}
	_, err := (&Cached{Source: src, Cache: &memCache{}, TTL: time.Minute, Logger: logx.Discard()}).ListActiveWorkers(t.Context())
	assert.Error(t, err)
}

type missCache struct{}

func (missCache) Key(parts ...string) string { return strings.Join(parts, ":") }
func (missCache) GetJSON(context.Context, string, any) (bool, error) { return false, nil }
func (missCache) SetJSON(context.Context, string, any, time.Duration) error { return nil }

type gatedSource struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (g *gatedSource) ListActiveWorkers(context.Context) ([]models.Worker, error) {
	g.calls.Add(1)
	<-g.gate
	return []models.Worker{{WorkerID: "w1", Active: true}}, nil
}

func TestCachedCoalescesConcurrentMisses(t *testing.T) {
	src := &gatedSource{gate: make(chan struct{})}
	dir := &Cached{Source: src, Cache: missCache{}, TTL: time.Minute, Logger: logx.Discard()}

	const callers = 5
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for range callers {
		go func() {
			defer done.Done()
			started.Done()
			ws, err := dir.ListActiveWorkers(context.Background())
			assert.NoError(t, err)
			assert.Len(t, ws, 1)
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	done.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRemoteMapsClientWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"workers":[{"id":"w9","firstName":"Chi","lastName":"Le","active":true}]}`))
	}))
	defer srv.Close()

	ws, err := Remote{Client: identityclient.NewWithHTTPClient(srv.URL, "", srv.Client(), logx.Discard())}.ListActiveWorkers(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []models.Worker{{WorkerID: "w9", FirstName: "Chi", LastName: "Le", Active: true}}, ws)
}
