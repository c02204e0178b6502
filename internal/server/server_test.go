package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bull/medassist/internal/assistant"
	"github.com/bull/medassist/internal/auth"
	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/store"
	"github.com/bull/medassist/internal/vectorindex"
)

type fakeAssistant struct {
	err      error
	lastFile string
	lastBody string
	lastQ    string
}

func (f *fakeAssistant) AskText(_ context.Context, userID, query string) (*assistant.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastQ = query
	return &assistant.Reply{Response: "text answer", Sources: []string{"nephro.pdf"}}, nil
}

func (f *fakeAssistant) AskImage(_ context.Context, userID, filename string, r io.Reader, question string) (*assistant.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(r)
	f.lastFile, f.lastBody, f.lastQ = filename, string(body), question
	return &assistant.Reply{Response: "image answer", Sources: []string{"rash1.jpg"}}, nil
}

func (f *fakeAssistant) SummarizePDF(_ context.Context, userID, filename string, r io.Reader) (*assistant.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(r)
	f.lastFile, f.lastBody = filename, string(body)
	return &assistant.Reply{Response: "summary"}, nil
}

type fakeIndexes struct{ statuses []vectorindex.Status }

func (f fakeIndexes) Status(context.Context) []vectorindex.Status { return f.statuses }

type harness struct {
	srv   *Server
	db    *store.SQLiteStore
	auth  *auth.Service
	asst  *fakeAssistant
	token string
	user  string
}

func newHarness(t *testing.T, idx IndexStatus) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })

	svc, err := auth.NewService(db, auth.Options{Secret: []byte("test"), Cost: bcrypt.MinCost})
	require.NoError(t, err)

	u, err := svc.Register(context.Background(), "doc@example.com", "pw")
	require.NoError(t, err)
	token, err := svc.IssueToken(u.ID)
	require.NoError(t, err)

	asst := &fakeAssistant{}
	srv := New(Options{
		Auth:           svc,
		Assistant:      asst,
		History:        db,
		Indexes:        idx,
		MaxUploadBytes: 1 << 10,
	})
	return &harness{srv: srv, db: db, auth: svc, asst: asst, token: token, user: u.ID}
}

func (h *harness) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) postFile(t *testing.T, path, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRoot(t *testing.T) {
	h := newHarness(t, nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[messageResponse](t, rec).Message, "backend is running")
}

func TestRegisterAndLogin(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.postForm(t, "/register", url.Values{"email": {"new@example.com"}, "password": {"pw"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User registered successfully", decode[messageResponse](t, rec).Message)

	rec = h.postForm(t, "/register", url.Values{"email": {"new@example.com"}, "password": {"pw"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User already exists", decode[errorBody](t, rec).Detail)

	rec = h.postForm(t, "/login", url.Values{"email": {"new@example.com"}, "password": {"pw"}})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[tokenResponse](t, rec)
	assert.NotEmpty(t, tok.AccessToken)

	rec = h.postForm(t, "/login", url.Values{"email": {"new@example.com"}, "password": {"nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", decode[errorBody](t, rec).Detail)
}

func TestQueryText(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.postForm(t, "/query-text-rag", url.Values{"query": {"creatinine?"}, "token": {h.token}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[answerResponse](t, rec)
	assert.Equal(t, "text answer", resp.Response)
	assert.Equal(t, []string{"nephro.pdf"}, resp.Sources)
	assert.Equal(t, "creatinine?", h.asst.lastQ)
}

func TestQueryText_BearerHeader(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/query-text-rag", strings.NewReader("query=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+h.token)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)

	for _, path := range []string{"/query-text-rag", "/history"} {
		rec := h.postForm(t, path, url.Values{"query": {"q"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = h.postForm(t, path, url.Values{"query": {"q"}, "token": {"forged"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := h.postFile(t, "/upload-pdf", "a.pdf", "%PDF", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadImage(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.postFile(t, "/upload-image", "rash.jpg", "jpegbytes", map[string]string{
		"token":    h.token,
		"question": "what is this?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image answer", decode[answerResponse](t, rec).Response)
	assert.Equal(t, "rash.jpg", h.asst.lastFile)
	assert.Equal(t, "jpegbytes", h.asst.lastBody)
	assert.Equal(t, "what is this?", h.asst.lastQ)
}

func TestUploadPDF(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.postFile(t, "/upload-pdf", "labs.pdf", "%PDF-1.4", map[string]string{"token": h.token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "summary", decode[answerResponse](t, rec).Response)
	assert.Equal(t, "labs.pdf", h.asst.lastFile)
}

func TestUpload_TooLarge(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.postFile(t, "/upload-pdf", "big.pdf", strings.Repeat("x", 3<<20), map[string]string{"token": h.token})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, q := range []string{"first", "second", "third"} {
		require.NoError(t, h.db.AppendQueryLog(ctx,
			domain.NewQueryLogEntry(h.user, domain.ModalityText, q, "answer "+q, "", base.Add(time.Duration(i)*time.Minute))))
	}

	rec := h.postForm(t, "/history", url.Values{"token": {h.token}, "limit": {"2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[historyResponse](t, rec)
	assert.Equal(t, [][2]string{{"third", "answer third"}, {"second", "answer second"}}, resp.History)

	rec = h.postForm(t, "/history", url.Values{"token": {h.token}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[historyResponse](t, rec).History, 3)

	rec = h.postForm(t, "/history", url.Values{"token": {h.token}, "limit": {"abc"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrIndexNotFound, http.StatusServiceUnavailable},
		{&domain.IndexCorruptError{Path: "text.idx", Reason: "dimension"}, http.StatusServiceUnavailable},
		{&domain.EmbeddingProviderError{Provider: "openai", Err: errors.New("500")}, http.StatusBadGateway},
		{&domain.GenerationError{Model: "gpt-4", Err: errors.New("500")}, http.StatusBadGateway},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newHarness(t, nil)
		h.asst.err = tc.err
		rec := h.postForm(t, "/query-text-rag", url.Values{"query": {"q"}, "token": {h.token}})
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name     string
		statuses []vectorindex.Status
		code     int
		status   string
	}{
		{"healthy", []vectorindex.Status{{Kind: vectorindex.KindText, Exists: true}, {Kind: vectorindex.KindImage, Exists: true}}, http.StatusOK, "healthy"},
		{"degraded", []vectorindex.Status{{Kind: vectorindex.KindText, Exists: true}, {Kind: vectorindex.KindImage}}, http.StatusOK, "degraded"},
		{"unhealthy", []vectorindex.Status{{Kind: vectorindex.KindText, Exists: true, Error: "corrupt"}}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, fakeIndexes{statuses: tc.statuses})
			rec := httptest.NewRecorder()
			h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.status, decode[HealthResponse](t, rec).Status)
		})
	}
}
