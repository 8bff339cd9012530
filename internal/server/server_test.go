package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/docstackhq/docstack/internal/notify"
	"github.com/docstackhq/docstack/internal/pipeline"
	"github.com/docstackhq/docstack/internal/rag"
	"github.com/docstackhq/docstack/internal/store"
)

func newContext(t *testing.T, method, target string, body io.Reader, userID int64) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != 0 {
		c.Set("user_id", userID)
	}
	return c, rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		t.Fatal("expected an http error")
	}
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

// ---- auth ----

type fakeUserStore struct {
	users  map[string]string
	nextID int64
	dup    bool
}

func (f *fakeUserStore) CreateUser(_ context.Context, email, hash string) (int64, error) {
	if f.dup {
		return 0, &pq.Error{Code: "23505"}
	}
	if f.users == nil {
		f.users = map[string]string{}
	}
	f.users[email] = hash
	f.nextID++
	return f.nextID, nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (int64, string, error) {
	hash, ok := f.users[email]
	if !ok {
		return 0, "", store.ErrNotFound
	}
	return 1, hash, nil
}

func TestSignupCreatesUser(t *testing.T) {
	h := &AuthHandler{Store: &fakeUserStore{}, Secret: []byte("s")}
	body := `{"email":"User@Example.com","password":"longenough"}`
	c, rec := newContext(t, http.MethodPost, "/api/auth/signup", strings.NewReader(body), 0)
	if err := h.signup(c); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	h := &AuthHandler{Store: &fakeUserStore{}, Secret: []byte("s")}
	body := `{"email":"a@b.com","password":"short"}`
	c, _ := newContext(t, http.MethodPost, "/api/auth/signup", strings.NewReader(body), 0)
	if code := httpStatus(t, h.signup(c)); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestSignupDuplicateEmailConflicts(t *testing.T) {
	h := &AuthHandler{Store: &fakeUserStore{dup: true}, Secret: []byte("s")}
	body := `{"email":"a@b.com","password":"longenough"}`
	c, _ := newContext(t, http.MethodPost, "/api/auth/signup", strings.NewReader(body), 0)
	if code := httpStatus(t, h.signup(c)); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
}

func TestLoginIssuesTokenAndCookie(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("longenough"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := &AuthHandler{Store: &fakeUserStore{users: map[string]string{"a@b.com": string(hash)}}, Secret: []byte("s")}
	body := `{"email":"a@b.com","password":"longenough"}`
	c, rec := newContext(t, http.MethodPost, "/api/auth/login", strings.NewReader(body), 0)
	if err := h.login(c); err != nil {
		t.Fatalf("login: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("expected token in body, got %q (%v)", rec.Body.String(), err)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "auth=") {
		t.Fatalf("expected auth cookie, got %q", rec.Header().Get("Set-Cookie"))
	}
}

func TestLoginWrongPasswordUnauthorized(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("longenough"), bcrypt.MinCost)
	h := &AuthHandler{Store: &fakeUserStore{users: map[string]string{"a@b.com": string(hash)}}, Secret: []byte("s")}
	body := `{"email":"a@b.com","password":"wrongwrong"}`
	c, _ := newContext(t, http.MethodPost, "/api/auth/login", strings.NewReader(body), 0)
	if code := httpStatus(t, h.login(c)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

// ---- documents ----

type fakeDocStore struct {
	docs   map[int64]store.Document
	chunks map[int64]store.Chunk
	nextID int64
}

func (f *fakeDocStore) CreateDocument(_ context.Context, d store.Document) (int64, error) {
	if f.docs == nil {
		f.docs = map[int64]store.Document{}
	}
	f.nextID++
	d.ID = f.nextID
	f.docs[d.ID] = d
	return d.ID, nil
}

func (f *fakeDocStore) GetDocument(_ context.Context, id, ownerID int64) (store.Document, error) {
	d, ok := f.docs[id]
	if !ok || d.OwnerID != ownerID {
		return store.Document{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocStore) ListDocuments(_ context.Context, ownerID int64) ([]store.Document, error) {
	var out []store.Document
	for _, d := range f.docs {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocStore) LatestVersion(_ context.Context, ownerID int64, filename string) (store.Document, bool, error) {
	var best store.Document
	var found bool
	for _, d := range f.docs {
		if d.OwnerID == ownerID && d.Filename == filename && (!found || d.Version > best.Version) {
			best, found = d, true
		}
	}
	return best, found, nil
}

func (f *fakeDocStore) GetChunksByIDs(_ context.Context, ids []int64) (map[int64]store.Chunk, error) {
	out := map[int64]store.Chunk{}
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakePipeline struct {
	processed chan pipeline.Job
	deleted   []int64
	rechunked []int64
}

func (f *fakePipeline) Process(_ context.Context, job pipeline.Job) {
	if f.processed != nil {
		f.processed <- job
	}
}

func (f *fakePipeline) Rechunk(_ context.Context, documentID, _ int64) error {
	f.rechunked = append(f.rechunked, documentID)
	return nil
}

func (f *fakePipeline) RegenerateSummary(_ context.Context, _, _ int64) error { return nil }
func (f *fakePipeline) RegenerateTags(_ context.Context, _, _ int64) error    { return nil }

func (f *fakePipeline) Delete(_ context.Context, documentID, _ int64, _ string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func uploadRequest(t *testing.T, h *DocumentsHandler, userID int64, filename, content string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	body, contentType := multipartUpload(t, filename, content)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", userID)
	return rec, h.upload(c)
}

func newDocumentsHandler(st *fakeDocStore, pipe *fakePipeline) *DocumentsHandler {
	return &DocumentsHandler{
		Store:    st,
		Pipeline: pipe,
		Logger:   log.New(io.Discard, "", 0),
	}
}

func TestUploadStartsPipeline(t *testing.T) {
	st := &fakeDocStore{}
	pipe := &fakePipeline{processed: make(chan pipeline.Job, 1)}
	h := newDocumentsHandler(st, pipe)

	rec, err := uploadRequest(t, h, 7, "notes.txt", "hello world")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp DocumentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Version != 1 || resp.Filename != "notes.txt" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	select {
	case job := <-pipe.processed:
		if job.DocumentID != resp.ID || job.OwnerID != 7 || string(job.Content) != "hello world" {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-time.After(time.Second):
		t.Fatal("pipeline was not started")
	}
}

func TestUploadIdenticalContentConflicts(t *testing.T) {
	st := &fakeDocStore{}
	pipe := &fakePipeline{processed: make(chan pipeline.Job, 2)}
	h := newDocumentsHandler(st, pipe)

	if _, err := uploadRequest(t, h, 7, "notes.txt", "hello world"); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	<-pipe.processed
	_, err := uploadRequest(t, h, 7, "notes.txt", "hello world")
	if code := httpStatus(t, err); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
}

func TestUploadChangedContentBumpsVersion(t *testing.T) {
	st := &fakeDocStore{}
	pipe := &fakePipeline{processed: make(chan pipeline.Job, 2)}
	h := newDocumentsHandler(st, pipe)

	if _, err := uploadRequest(t, h, 7, "notes.txt", "first draft"); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	<-pipe.processed
	rec, err := uploadRequest(t, h, 7, "notes.txt", "second draft")
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	var resp DocumentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Version != 2 || resp.PreviousVersionID == nil {
		t.Fatalf("expected version 2 with link to previous, got %+v", resp)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	h := newDocumentsHandler(&fakeDocStore{}, &fakePipeline{})
	_, err := uploadRequest(t, h, 7, "binary.exe", "MZ")
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestGetDocumentScopedToOwner(t *testing.T) {
	st := &fakeDocStore{docs: map[int64]store.Document{
		1: {ID: 1, OwnerID: 7, Filename: "notes.txt"},
	}}
	h := newDocumentsHandler(st, &fakePipeline{})

	c, rec := newContext(t, http.MethodGet, "/api/documents/1", nil, 7)
	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := h.get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = newContext(t, http.MethodGet, "/api/documents/1", nil, 99)
	c.SetParamNames("id")
	c.SetParamValues("1")
	if code := httpStatus(t, h.get(c)); code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d", code)
	}
}

func TestDeleteDocument(t *testing.T) {
	st := &fakeDocStore{docs: map[int64]store.Document{
		1: {ID: 1, OwnerID: 7, Filename: "notes.txt"},
	}}
	pipe := &fakePipeline{}
	h := newDocumentsHandler(st, pipe)

	c, rec := newContext(t, http.MethodDelete, "/api/documents/1", nil, 7)
	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := h.remove(c); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(pipe.deleted) != 1 || pipe.deleted[0] != 1 {
		t.Fatalf("expected pipeline delete for document 1, got %v", pipe.deleted)
	}
}

func TestRechunkRequiresExtractedText(t *testing.T) {
	st := &fakeDocStore{docs: map[int64]store.Document{
		1: {ID: 1, OwnerID: 7, Filename: "notes.txt", TextExtractionSuccess: false},
	}}
	h := newDocumentsHandler(st, &fakePipeline{})

	c, _ := newContext(t, http.MethodPost, "/api/documents/1/rechunk", nil, 7)
	c.SetParamNames("id")
	c.SetParamValues("1")
	if code := httpStatus(t, h.rechunk(c)); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
}

// ---- ask ----

type fakeEngine struct {
	ans      rag.Answer
	err      error
	question string
	docID    int64
}

func (f *fakeEngine) Ask(_ context.Context, _ int64, question string, documentID int64) (rag.Answer, error) {
	f.question = question
	f.docID = documentID
	return f.ans, f.err
}

func TestAskReturnsAnswer(t *testing.T) {
	eng := &fakeEngine{ans: rag.Answer{Question: "q", Answer: "a", Citations: []rag.Citation{}}}
	h := &AskHandler{Engine: eng}
	body := `{"question":"what is up","documentId":3}`
	c, rec := newContext(t, http.MethodPost, "/api/ask", strings.NewReader(body), 7)
	if err := h.ask(c); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if eng.question != "what is up" || eng.docID != 3 {
		t.Fatalf("engine got question=%q docID=%d", eng.question, eng.docID)
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	h := &AskHandler{Engine: &fakeEngine{}}
	c, _ := newContext(t, http.MethodPost, "/api/ask", strings.NewReader(`{"question":"  "}`), 7)
	if code := httpStatus(t, h.ask(c)); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

// ---- notifications ----

type fakeSessions struct {
	ch chan notify.Message
}

func (f *fakeSessions) Register(int64) (<-chan notify.Message, func()) {
	return f.ch, func() {}
}

func TestStreamDeliversSSEFrames(t *testing.T) {
	ch := make(chan notify.Message, 1)
	ch <- notify.NewMessage(notify.TypeDocumentUploaded, "Document Uploaded", "'a.txt' has been uploaded successfully")
	close(ch)

	h := &NotificationsHandler{Registry: &fakeSessions{ch: ch}}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", int64(7))

	if err := h.stream(c); err != nil {
		t.Fatalf("stream: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: notification\n") {
		t.Fatalf("expected notification event frame, got %q", body)
	}
	if !strings.Contains(body, "DOCUMENT_UPLOADED") {
		t.Fatalf("expected message payload in stream, got %q", body)
	}
	if rec.Header().Get(echo.HeaderContentType) != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", rec.Header().Get(echo.HeaderContentType))
	}
}

// ---- admin ----

type fakeBroadcaster struct {
	title, text string
	calls       int
}

func (f *fakeBroadcaster) Broadcast(title, text string) {
	f.title, f.text = title, text
	f.calls++
}

type fakeAdminStore struct {
	rows []store.FailedEmbedding
}

func (f *fakeAdminStore) FailedEmbeddings(context.Context) ([]store.FailedEmbedding, error) {
	return f.rows, nil
}

func TestBroadcastSendsSystemMessage(t *testing.T) {
	b := &fakeBroadcaster{}
	h := &AdminHandler{Store: &fakeAdminStore{}, Notifier: b}
	body := `{"title":"Maintenance","message":"back soon"}`
	c, rec := newContext(t, http.MethodPost, "/api/admin/broadcast", strings.NewReader(body), 1)
	if err := h.broadcast(c); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if b.calls != 1 || b.title != "Maintenance" || b.text != "back soon" {
		t.Fatalf("unexpected broadcast: %+v", b)
	}
}

func TestBroadcastRequiresMessage(t *testing.T) {
	h := &AdminHandler{Store: &fakeAdminStore{}, Notifier: &fakeBroadcaster{}}
	c, _ := newContext(t, http.MethodPost, "/api/admin/broadcast", strings.NewReader(`{"title":"x"}`), 1)
	if code := httpStatus(t, h.broadcast(c)); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestFailedEmbeddingsReport(t *testing.T) {
	h := &AdminHandler{Store: &fakeAdminStore{rows: []store.FailedEmbedding{
		{ChunkID: 9, DocumentID: 3, Filename: "a.txt", OwnerID: 7, Order: 2, Reason: "rate limited"},
	}}, Notifier: &fakeBroadcaster{}}
	c, rec := newContext(t, http.MethodGet, "/api/admin/embeddings/failed", nil, 1)
	if err := h.failedEmbeddings(c); err != nil {
		t.Fatalf("report: %v", err)
	}
	var rows []FailedEmbeddingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rows) != 1 || rows[0].ChunkID != 9 || rows[0].Reason != "rate limited" {
		t.Fatalf("unexpected report: %+v", rows)
	}
}
