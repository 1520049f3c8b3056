package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceswap_access/auth"
	"faceswap_access/config"
	"faceswap_access/invoker"
	"faceswap_access/models"
	"faceswap_access/response"
	"faceswap_access/store"
	"faceswap_access/uploader"
)

type invokeCall struct {
	name    string
	payload map[string]any
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invokeCall
	reply response.Reply
	err   error
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, payload map[string]any) (response.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invokeCall{name: name, payload: payload})
	return f.reply, f.err
}

type fakeStatus bool

func (f fakeStatus) CheckStatus(context.Context) bool { return bool(f) }

type memTransport struct {
	mu      sync.Mutex
	objects map[string][]byte
	order   []string
}

func (m *memTransport) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, progress uploader.ProgressFunc) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.order = append(m.order, key)
	return `"etag"`, nil
}

func (m *memTransport) RemoveObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return errors.New("NoSuchKey")
	}
	delete(m.objects, key)
	return nil
}

type testServer struct {
	mux       *http.ServeMux
	invoker   *fakeInvoker
	transport *memTransport
	session   *store.Session
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{WriteTimeout: 5 * time.Second},
		Backend: config.BackendConfig{
			CategoryFunction: "getCategories",
			CategoryCacheTTL: time.Hour,
		},
		Storage: config.StorageConfig{
			Bucket:         "bucket-1",
			Region:         "ap-guangzhou",
			ProviderDomain: "cos.{region}.myqcloud.com",
			UseHTTPS:       true,
			MaxFileSize:    1 << 20,
		},
		Local: config.LocalConfig{
			TempDirBase:     t.TempDir(),
			MaxMultipartMem: 1 << 20,
		},
	}

	kv := store.NewMemoryKV()
	transport := &memTransport{objects: map[string][]byte{}}
	inv := &fakeInvoker{reply: response.Reply{"code": float64(0), "data": map[string]any{"ok": true}}}
	session := store.NewSession(kv)
	categories := store.NewVersionedCache(kv, store.CategoryCacheKey, 1, cfg.Backend.CategoryCacheTTL)

	h := NewServerHandler(cfg, inv, fakeStatus(true), uploader.New(cfg.Storage, uploader.WithTransport(transport)), session, categories)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testServer{mux: mux, invoker: inv, transport: transport, session: session}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, url, field, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestInvokeHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/functions/fusion", strings.NewReader(`{"templateId":"t1","uid":"__AUTO__"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[models.InvocationResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"ok": true}, resp.Reply["data"])

	require.Len(t, s.invoker.calls, 1)
	assert.Equal(t, "fusion", s.invoker.calls[0].name)
	assert.Equal(t, map[string]any{"templateId": "t1", "uid": "__AUTO__"}, s.invoker.calls[0].payload)
}

func TestInvokeHandlerEmptyBody(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/functions/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{}, s.invoker.calls[0].payload)
}

func TestInvokeHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "sign-in failed", err: &auth.AuthError{Status: 503, Message: "unavailable"}, status: http.StatusUnauthorized},
		{name: "invocation failed", err: &invoker.InvocationError{Function: "fusion", Status: 500}, status: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.invoker.err = tt.err

			body := tt.body
			if body == "" {
				body = `{}`
			}
			rec := s.do(httptest.NewRequest(http.MethodPost, "/api/functions/fusion", strings.NewReader(body)))
			assert.Equal(t, tt.status, rec.Code)

			errResp := decode[models.ErrorResponse](t, rec)
			assert.Equal(t, tt.status, errResp.Code)
		})
	}
}

func TestInvokeHandlerRejectsGet(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/functions/fusion", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCategoriesHandlerCaches(t *testing.T) {
	s := newTestServer(t)
	s.invoker.reply = response.Reply{"code": float64(0), "data": []any{"art-branding", "community"}}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/categories", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[models.CategoriesResponse](t, rec)
	assert.False(t, first.Cached)
	assert.Equal(t, []any{"art-branding", "community"}, first.Categories)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/categories", nil))
	second := decode[models.CategoriesResponse](t, rec)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Categories, second.Categories)
	assert.Len(t, s.invoker.calls, 1)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/categories?refresh=true", nil))
	assert.False(t, decode[models.CategoriesResponse](t, rec).Cached)
	require.Len(t, s.invoker.calls, 2)
	assert.Equal(t, "getCategories", s.invoker.calls[1].name)
}

func TestCategoriesHandlerBackendFailure(t *testing.T) {
	s := newTestServer(t)
	s.invoker.reply = response.Reply{"code": float64(-1), "message": "db down"}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/categories", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "db down", decode[models.ErrorResponse](t, rec).Details)
}

func TestUploadHandler(t *testing.T) {
	s := newTestServer(t)

	req := multipartRequest(t, "/api/uploads", "file", "me.png", []byte("png-bytes"), map[string]string{"prefix": uploader.Avatars})
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	outcome := decode[models.UploadOutcome](t, rec)
	assert.True(t, outcome.Success)
	assert.True(t, strings.HasPrefix(outcome.Key, "avatars/"), outcome.Key)
	assert.True(t, strings.HasSuffix(outcome.Key, ".png"), outcome.Key)
	assert.Equal(t, int64(9), outcome.Size)
	assert.Equal(t, []byte("png-bytes"), s.transport.objects[outcome.Key])
}

func TestUploadHandlerDefaultsPrefix(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(multipartRequest(t, "/api/uploads", "file", "a.jpg", []byte("x"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(decode[models.UploadOutcome](t, rec).Key, uploader.UserPhotos+"/"))
}

func TestUploadHandlerRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(multipartRequest(t, "/api/uploads", "file", "a.jpg", []byte("x"), map[string]string{"prefix": "../escape"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(multipartRequest(t, "/api/uploads", "other", "a.jpg", []byte("x"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, s.transport.order)
}

func zipBytes(t *testing.T, entries [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestBatchUploadHandler(t *testing.T) {
	s := newTestServer(t)

	archive := zipBytes(t, [][2]string{
		{"b.png", "second"},
		{"readme.txt", "skip"},
		{"a.jpg", "first"},
	})
	rec := s.do(multipartRequest(t, "/api/uploads/batch", "archive", "set.zip", archive, map[string]string{"basePath": "templates/t-7"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[models.BatchUploadResponse](t, rec)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 0, resp.Failed)
	require.Len(t, resp.Outcomes, 2)
	assert.True(t, strings.HasPrefix(resp.Outcomes[0].Key, "templates/t-7/file_0/"))
	assert.True(t, strings.HasPrefix(resp.Outcomes[1].Key, "templates/t-7/file_1/"))

	assert.Equal(t, []byte("first"), s.transport.objects[resp.Outcomes[0].Key])
	assert.Equal(t, []byte("second"), s.transport.objects[resp.Outcomes[1].Key])
}

func TestBatchUploadHandlerWithoutImages(t *testing.T) {
	s := newTestServer(t)

	archive := zipBytes(t, [][2]string{{"readme.txt", "skip"}})
	rec := s.do(multipartRequest(t, "/api/uploads/batch", "archive", "set.zip", archive, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteObjectHandler(t *testing.T) {
	s := newTestServer(t)
	s.transport.objects["user_photos/a.jpg"] = []byte("x")

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/api/objects/user_photos/a.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user_photos/a.jpg", decode[map[string]any](t, rec)["key"])
	assert.Empty(t, s.transport.objects)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/objects/user_photos/a.jpg", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSessionHandlers(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.session.Credentials.Set(ctx, models.Credential{Value: "tok"}))
	require.NoError(t, s.session.Profiles.Set(ctx, models.UserProfile{"nickname": "n"}))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/session/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"authenticated": true}, decode[map[string]bool](t, rec))

	rec = s.do(httptest.NewRequest(http.MethodPost, "/api/session/logout", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	cred, err := s.session.Credentials.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
	profile, err := s.session.Profiles.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestHealthCheckHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCleanPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "fallback", true},
		{"avatars", "avatars", true},
		{"templates//t-1/", "templates/t-1", true},
		{"./", "fallback", true},
		{"/abs", "", false},
		{"a/../b", "", false},
		{`a\b`, "", false},
	}
	for _, tt := range tests {
		got, ok := cleanPrefix(tt.in, "fallback")
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
