package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/hub-indexer/internal/datacontext"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub/hubtest"
	"github.com/emperorhan/hub-indexer/internal/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func seededServer(t *testing.T, opts ...ServerOption) http.Handler {
	t.Helper()
	st := memstore.New()
	for _, raw := range []json.RawMessage{
		hubtest.CastAdd(7, "0x0701", 100),
		hubtest.CastReply(8, "0x0801", 110, 7, "0x0701"),
		hubtest.CastReply(9, "0x0901", 120, 8, "0x0801"),
		hubtest.CastReply(9, "0x0902", 130, 7, "0x0701"),
		hubtest.ReactionAdd(8, "0x0802", 111, 7, "0x0701"),
		hubtest.LinkAdd(8, "0x0803", 112, 7),
		hubtest.VerificationAdd(7, "0x0704", 101, "0xABCDEF0000000000000000000000000000000001"),
		hubtest.UserData(7, "0x0705", 102, "USER_DATA_TYPE_USERNAME", "alice"),
		hubtest.UserData(7, "0x0706", 103, "USER_DATA_TYPE_BIO", "builder"),
		hubtest.UsernameProof(7, "0x0707", 104, "alice.eth"),
	} {
		_, err := st.Upsert(context.Background(), hubtest.MustDecode(raw))
		require.NoError(t, err)
	}
	_, err := st.Upsert(context.Background(), hubtest.MustDecode(hubtest.CastRemove(9, "0x0903", 140, "0x0902")))
	require.NoError(t, err)

	dc := datacontext.New(datacontext.Options{Logger: testLogger()}, datacontext.NewStoreSource(st))
	return NewServer(dc, testLogger(), opts...).Handler()
}

func get(t *testing.T, h http.Handler, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHandleCast(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/casts/7/0x0701")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0x0701", body["hash"])
	assert.Equal(t, float64(7), body["fid"])
	assert.NotNil(t, body["message"])

	// Hash lookups are case-insensitive and accept a missing 0x prefix.
	code, _ = get(t, h, "/api/v1/casts/7/0701")
	assert.Equal(t, http.StatusOK, code)
}

func TestHandleCast_RemovedIsNotFound(t *testing.T) {
	code, body := get(t, seededServer(t), "/api/v1/casts/9/0x0902")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, errorCode(body))
}

func TestHandleCast_InvalidParams(t *testing.T) {
	h := seededServer(t)
	for _, target := range []string{
		"/api/v1/casts/0/0x0701",
		"/api/v1/casts/abc/0x0701",
		"/api/v1/casts/7/0xzz",
	} {
		code, body := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, code, target)
		assert.Equal(t, codeInvalidParams, errorCode(body), target)
	}
}

func TestHandleCastsByFid_EmptyListIsOK(t *testing.T) {
	code, body := get(t, seededServer(t), "/api/v1/casts/by-fid/555")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []any{}, body["casts"])
}

func TestHandleCastsByParent(t *testing.T) {
	code, body := get(t, seededServer(t), "/api/v1/casts/by-parent/7/0x0701")
	require.Equal(t, http.StatusOK, code)
	// The removed reply is excluded.
	assert.Equal(t, float64(1), body["count"])
	replies := body["replies"].([]any)
	assert.Equal(t, "0x0801", replies[0].(map[string]any)["hash"])
}

func TestLimitHandling(t *testing.T) {
	h := seededServer(t, WithMaxLimit(1))

	code, body := get(t, h, "/api/v1/casts/by-fid/9?limit=50")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = get(t, h, "/api/v1/casts/by-fid/9?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, codeInvalidParams, errorCode(body))

	code, _ = get(t, h, "/api/v1/casts/by-fid/9?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandleConversation(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/conversations/7/0x0701")
	require.Equal(t, http.StatusOK, code)
	root := body["conversation"].(map[string]any)
	assert.Equal(t, "0x0701", root["hash"])
	level1 := root["replies"].([]any)
	require.Len(t, level1, 1)
	reply := level1[0].(map[string]any)
	assert.Equal(t, "0x0801", reply["hash"])
	level2 := reply["replies"].([]any)
	require.Len(t, level2, 1)
	assert.Equal(t, "0x0901", level2[0].(map[string]any)["hash"])

	_, body = get(t, h, "/api/v1/conversations/7/0x0701?max_depth=1")
	reply = body["conversation"].(map[string]any)["replies"].([]any)[0].(map[string]any)
	assert.NotContains(t, reply, "replies")

	_, body = get(t, h, "/api/v1/conversations/7/0x0701?recursive=false")
	assert.Equal(t, float64(1), body["max_depth"])

	for _, depth := range []string{"0", "26", "99999999999999999999"} {
		code, body = get(t, h, "/api/v1/conversations/7/0x0701?max_depth="+depth)
		assert.Equal(t, http.StatusBadRequest, code, depth)
		assert.Equal(t, codeInvalidParams, errorCode(body), depth)
	}

	code, body = get(t, h, "/api/v1/conversations/7/0x0701?max_depth=25")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(maxConversationDepth), body["max_depth"])

	code, _ = get(t, h, "/api/v1/conversations/7/0x0bad")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandleReactionsAndLinks(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/reactions/by-target-cast/7/0x0701")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = get(t, h, "/api/v1/reactions/by-target-url")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, codeInvalidParams, errorCode(body))

	code, body = get(t, h, "/api/v1/links/by-target/7")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(7), body["target_fid"])
}

func TestHandleLinkCompactState(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/links/compact-state/8")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(8), body["fid"])
	assert.Equal(t, float64(1), body["count"])
	links := body["compact_links"].([]any)
	require.Len(t, links, 1)
	link := links[0].(map[string]any)
	assert.Equal(t, float64(7), link["target_fid"])
	assert.Equal(t, "follow", link["state"])
	assert.Equal(t, float64(112), link["timestamp"])

	code, body = get(t, h, "/api/v1/links/compact-state/555")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["compact_links"])

	code, body = get(t, h, "/api/v1/links/compact-state/abc")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, codeInvalidParams, errorCode(body))
}

func TestOpenAPIDocument_ListsEveryRoute(t *testing.T) {
	dc := datacontext.New(datacontext.Options{Logger: testLogger()}, datacontext.NewStoreSource(memstore.New()))
	srv := NewServer(dc, testLogger())

	code, body := get(t, srv.Handler(), "/api/v1/openapi.json")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3.0.3", body["openapi"])
	paths := body["paths"].(map[string]any)
	for _, rt := range srv.routes() {
		method, path, ok := strings.Cut(rt.pattern, " ")
		require.True(t, ok, rt.pattern)
		ops, found := paths[path].(map[string]any)
		if assert.True(t, found, "undocumented route %s", rt.pattern) {
			assert.Contains(t, ops, strings.ToLower(method), rt.pattern)
		}
	}
}

func TestHandleVerifications(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/verifications/7/0xabcdef0000000000000000000000000000000001")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", body["address"])

	code, body = get(t, h, "/api/v1/verifications/all-by-fid/7?start_time=100&end_time=200")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, float64(100), body["start_time"])

	code, body = get(t, h, "/api/v1/verifications/all-by-fid/7?start_time=200&end_time=100")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, codeInvalidParams, errorCode(body))
}

func TestHandleUsers(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/users/7")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["username"])
	assert.Equal(t, "builder", body["bio"])

	code, body = get(t, h, "/api/v1/users/by-username/alice.eth")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(7), body["fid"])

	// Falls back to the USERNAME user data field.
	code, _ = get(t, h, "/api/v1/users/by-username/alice")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, h, "/api/v1/users/404")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, errorCode(body))
}

func TestHandleUsernameProofs(t *testing.T) {
	h := seededServer(t)

	code, body := get(t, h, "/api/v1/username-proofs/by-name/alice.eth")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice.eth", body["username"])

	code, body = get(t, h, "/api/v1/username-proofs/7")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, _ = get(t, h, "/api/v1/username-proofs/by-name/nobody.eth")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUnknownRoute(t *testing.T) {
	code, body := get(t, seededServer(t), "/api/v1/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, codeNotFound, errorCode(body))
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) Get(context.Context, model.MessageKey) (*model.Message, error) {
	return nil, errors.New("connection refused")
}

func (failingSource) Query(context.Context, model.Selector, int) ([]*model.Message, error) {
	return nil, errors.New("connection refused")
}

func TestUnavailableBackendsReturn503(t *testing.T) {
	dc := datacontext.New(datacontext.Options{Logger: testLogger()}, failingSource{})
	h := NewServer(dc, testLogger()).Handler()

	for _, target := range []string{"/api/v1/casts/7/0x0701", "/api/v1/casts/by-fid/7"} {
		code, body := get(t, h, target)
		assert.Equal(t, http.StatusServiceUnavailable, code, target)
		assert.Equal(t, codeUnavailable, errorCode(body), target)
	}
}

func TestNoBackendsReturn503(t *testing.T) {
	h := NewServer(datacontext.New(datacontext.Options{Logger: testLogger()}), testLogger()).Handler()
	code, _ := get(t, h, "/api/v1/users/7")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAccessLog_SetsRequestID(t *testing.T) {
	h := AccessLog(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/1", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

// countingReader counts Query calls on top of a seeded store.
type countingReader struct {
	Reader
	queries int
}

func (r *countingReader) Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error) {
	r.queries++
	return r.Reader.Query(ctx, sel, limit)
}

func TestUsernameCache(t *testing.T) {
	st := memstore.New()
	for _, raw := range []json.RawMessage{
		hubtest.UserData(7, "0x0705", 102, "USER_DATA_TYPE_USERNAME", "alice"),
		hubtest.UsernameProof(7, "0x0707", 104, "alice.eth"),
	} {
		_, err := st.Upsert(context.Background(), hubtest.MustDecode(raw))
		require.NoError(t, err)
	}
	reader := &countingReader{Reader: datacontext.New(datacontext.Options{Logger: testLogger()}, datacontext.NewStoreSource(st))}
	h := NewServer(reader, testLogger(), WithUsernameCache(16, time.Minute)).Handler()

	code, _ := get(t, h, "/api/v1/users/by-username/alice.eth")
	require.Equal(t, http.StatusOK, code)
	first := reader.queries

	code, body := get(t, h, "/api/v1/users/by-username/alice.eth")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(7), body["fid"])
	assert.Equal(t, first-1, reader.queries-first, "cached name skips the proof lookup")

	code, _ = get(t, h, "/api/v1/users/by-username/bob")
	assert.Equal(t, http.StatusNotFound, code)
	before := reader.queries
	get(t, h, "/api/v1/users/by-username/bob")
	assert.Equal(t, 2, reader.queries-before, "misses are not cached")
}
