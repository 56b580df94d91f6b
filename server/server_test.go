package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converselabs/converse/cachestore"
	"github.com/converselabs/converse/durable"
	"github.com/converselabs/converse/generation"
	"github.com/converselabs/converse/history"
	"github.com/converselabs/converse/session"
	"github.com/converselabs/converse/stream"
	"github.com/converselabs/converse/types"
)

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	coord  *history.Coordinator
	store  durable.Store
	cache  cachestore.Store
}

func newTestEnv(t *testing.T, provider generation.Provider) *testEnv {
	t.Helper()

	cache := cachestore.NewMemory()
	store := durable.NewMemoryStore()
	coord := history.NewCoordinator(cache, store, history.WithSystemPrompt("be helpful"))
	binder := session.NewBinder(coord, store)
	orch := stream.New(provider, coord)
	query := history.NewQuery(store)

	s := New(binder, coord, orch, query, WithIdentity(func(r *http.Request) string {
		return r.Header.Get("X-Test-User")
	}))

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{
		srv:    srv,
		client: &http.Client{Jar: jar},
		coord:  coord,
		store:  store,
		cache:  cache,
	}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// readSSE parses every data: payload from an SSE response body.
func readSSE(t *testing.T, resp *http.Response) []eventPayload {
	t.Helper()
	defer resp.Body.Close()

	var payloads []eventPayload
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var p eventPayload
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &p))
		payloads = append(payloads, p)
	}
	require.NoError(t, scanner.Err())
	return payloads
}

func TestServer_SendRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"hi"}))

	resp := env.do(t, http.MethodPost, "/api/conversations", "", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Contains(t, body["error"], "empty")
}

func TestServer_SendBindsSessionToOneConversation(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"hi"}))

	resp := env.do(t, http.MethodPost, "/api/conversations", "", map[string]any{"message": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decodeBody[sendResponse](t, resp)
	assert.NotEmpty(t, first.ConversationID)

	resp = env.do(t, http.MethodPost, "/api/conversations", "", map[string]any{"message": "More"})
	second := decodeBody[sendResponse](t, resp)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestServer_StreamScenario(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"Hi", " there"}))

	resp := env.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"message": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := decodeBody[sendResponse](t, resp)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+sent.ConversationID+"/events", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	require.Len(t, payloads, 3)
	assert.Equal(t, "Hi", payloads[0].Content)
	assert.Equal(t, " there", payloads[1].Content)
	assert.Equal(t, doneMarker, payloads[2].Content)
	assert.Equal(t, "Hi there", payloads[2].FullText)

	rec, err := env.store.FindByID(context.Background(), sent.ConversationID, "alice")
	require.NoError(t, err)
	last := rec.Turns[len(rec.Turns)-1]
	assert.Equal(t, types.RoleAssistant, last.Role)
	assert.Equal(t, "Hi there", last.Content)
}

func TestServer_EventsUnknownConversation(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"hi"}))

	resp := env.do(t, http.MethodGet, "/api/conversations/missing/events", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_EventsOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"hi"}))

	require.NoError(t, env.store.Upsert(context.Background(), &durable.Record{
		ID:      "owned",
		OwnerID: "alice",
		Turns:   []types.Turn{types.User("private")},
	}))

	resp := env.do(t, http.MethodGet, "/api/conversations/owned/events", "mallory", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_EventsOwnershipEnforcedForActiveConversation(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"alice's", " secret"}))

	// An active conversation holds a cache entry; ownership must hold on
	// that path too, not just the durable fallback.
	require.NoError(t, env.coord.AppendUserTurn(context.Background(), "active", "alice", "my secret", false))

	resp := env.do(t, http.MethodGet, "/api/conversations/active/events", "mallory", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// No stream event leaked and no assistant turn was written.
	rec, err := env.store.FindByID(context.Background(), "active", "alice")
	require.NoError(t, err)
	require.Len(t, rec.Turns, 1)
	assert.Equal(t, types.RoleUser, rec.Turns[0].Role)
}

func TestServer_ConcurrentStreamRejected(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"slow", " reply"},
		generation.WithMockDelay(100*time.Millisecond)))

	resp := env.do(t, http.MethodPost, "/api/conversations", "", map[string]any{"message": "Hello"})
	sent := decodeBody[sendResponse](t, resp)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp := env.do(t, http.MethodGet, "/api/conversations/"+sent.ConversationID+"/events", "", nil)
		readSSE(t, resp)
	}()

	time.Sleep(30 * time.Millisecond)
	resp = env.do(t, http.MethodGet, "/api/conversations/"+sent.ConversationID+"/events", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	<-done
}

func TestServer_ResetRotatesConversation(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"Hi", " there"}))

	resp := env.do(t, http.MethodPost, "/api/conversations", "alice", map[string]any{"message": "Hello"})
	sent := decodeBody[sendResponse](t, resp)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+sent.ConversationID+"/events", "alice", nil)
	readSSE(t, resp)

	resp = env.do(t, http.MethodPost, "/api/conversations/reset", "alice", map[string]any{"wasTemporary": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reset := decodeBody[resetResponse](t, resp)
	assert.NotEmpty(t, reset.NewConversationID)
	assert.NotEqual(t, sent.ConversationID, reset.NewConversationID)

	// The old conversation is finalized.
	rec, err := env.store.FindByID(context.Background(), sent.ConversationID, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Ended())

	// And shows up in the listing under Today.
	resp = env.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	buckets := decodeBody[map[string][]history.Item](t, resp)
	require.NotEmpty(t, buckets[history.BucketToday])

	found := false
	for _, item := range buckets[history.BucketToday] {
		if item.ID == sent.ConversationID {
			found = true
			assert.Equal(t, "Hello", item.Preview)
		}
	}
	assert.True(t, found)
}

func TestServer_TemporaryConversationLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"secret answer"}))

	resp := env.do(t, http.MethodPost, "/api/conversations", "alice",
		map[string]any{"message": "secret question", "isTemporary": true})
	sent := decodeBody[sendResponse](t, resp)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+sent.ConversationID+"/events", "alice", nil)
	payloads := readSSE(t, resp)
	require.NotEmpty(t, payloads)

	resp = env.do(t, http.MethodPost, "/api/conversations/reset", "alice",
		map[string]any{"wasTemporary": true, "isTemporary": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err := env.store.FindByID(context.Background(), sent.ConversationID, "alice")
	assert.ErrorIs(t, err, durable.ErrNotFound)

	_, err = env.cache.Load(context.Background(), sent.ConversationID)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestServer_UpstreamErrorReportedOnStream(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"part"},
		generation.WithStreamError(fmt.Errorf("model overloaded"), 1)))

	resp := env.do(t, http.MethodPost, "/api/conversations", "", map[string]any{"message": "Hello"})
	sent := decodeBody[sendResponse](t, resp)

	resp = env.do(t, http.MethodGet, "/api/conversations/"+sent.ConversationID+"/events", "", nil)
	payloads := readSSE(t, resp)
	require.Len(t, payloads, 2)
	assert.Equal(t, "part", payloads[0].Content)
	assert.Contains(t, payloads[1].Error, "model overloaded")
}

func TestServer_WebSocketStream(t *testing.T) {
	env := newTestEnv(t, generation.NewMockProvider("mock", []string{"Hi", " there"}))

	// Seed an active conversation directly; the socket endpoint only streams.
	require.NoError(t, env.coord.AppendUserTurn(context.Background(), "ws-conv", "", "Hello", false))

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/conversations/ws-conv"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var payloads []eventPayload
	for {
		var p eventPayload
		if err := conn.ReadJSON(&p); err != nil {
			break
		}
		payloads = append(payloads, p)
	}

	require.Len(t, payloads, 3)
	assert.Equal(t, "Hi", payloads[0].Content)
	assert.Equal(t, " there", payloads[1].Content)
	assert.Equal(t, doneMarker, payloads[2].Content)
}
