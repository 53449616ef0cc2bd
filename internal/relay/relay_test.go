package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/adapters/events/direct"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/storage/memory"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/usage"
)

var (
	testPrincipal = &domain.Principal{UserID: "user-1", Scheme: domain.SchemeBearer, CredentialID: "tok-1"}
	testRequest   = &domain.ChatRequest{AgentID: "3f0c2b8e-5a61-4c1e-9a8d-2b7f4e6d9c10", Message: "hi"}
)

// fakeUpstream hands out a prepared body or error.
type fakeUpstream struct {
	body  io.ReadCloser
	err   error
	calls int
}

func (f *fakeUpstream) OpenStream(ctx context.Context, req *domain.ChatRequest) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

// trackedBody reports when the relay released the upstream stream.
type trackedBody struct {
	*io.PipeReader
	once   sync.Once
	closed chan struct{}
}

func newTrackedBody(pr *io.PipeReader) *trackedBody {
	return &trackedBody{PipeReader: pr, closed: make(chan struct{})}
}

func (b *trackedBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.PipeReader.Close()
}

// chunked streams chunks through a pipe, one Write per chunk.
func chunked(chunks ...string) *trackedBody {
	pr, pw := io.Pipe()
	go func() {
		for _, c := range chunks {
			if _, err := pw.Write([]byte(c)); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return newTrackedBody(pr)
}

func outputLines(t *testing.T, body string) []string {
	t.Helper()
	body = strings.TrimSuffix(body, "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

func lastErrorCode(t *testing.T, lines []string) string {
	t.Helper()
	if len(lines) == 0 {
		t.Fatal("no output lines")
	}
	var v struct {
		Error *domain.ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &v); err != nil || v.Error == nil {
		t.Fatalf("last line %q is not an error line", lines[len(lines)-1])
	}
	return v.Error.Code
}

func newTestRelay(t *testing.T, up *fakeUpstream, store Store, opts ...Option) *Relay {
	t.Helper()
	base := []Option{WithAccountant(testAccountant(t))}
	return New(up, store, append(base, opts...)...)
}

func testAccountant(t *testing.T) *usage.Accountant {
	t.Helper()
	pricer, err := usage.NewPricer("1")
	if err != nil {
		t.Fatal(err)
	}
	return usage.NewAccountant(usage.NewCounter(""), pricer)
}

func TestRelay_CompletedStream(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{body: chunked(
		`{"router_decision":{"model":"m1","needs_rag":true}}`+"\n"+`{"te`,
		`xt":"Hel"}`+"\n",
		`{"text":"lo"}`+"\n"+`{"is_final":true,"metrics":{"total_tokens":42}}`+"\n",
	)}
	r := newTestRelay(t, up, store)

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != contentTypeNDJSON {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get(QueryIDHeader) != res.QueryID {
		t.Errorf("%s header = %q, want %q", QueryIDHeader, rec.Header().Get(QueryIDHeader), res.QueryID)
	}

	want := []string{
		`{"router_decision":{"model":"m1","needs_rag":true}}`,
		`{"text":"Hel"}`,
		`{"text":"lo"}`,
		`{"is_final":true,"metrics":{"total_tokens":42}}`,
	}
	got := outputLines(t, rec.Body.String())
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("output:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	if res.Status != domain.QueryStatusCompleted || res.Events != 4 {
		t.Errorf("result = %+v", res)
	}

	q, err := store.GetModelQuery(context.Background(), res.QueryID)
	if err != nil {
		t.Fatalf("GetModelQuery() error = %v", err)
	}
	if q.Response != "Hello" {
		t.Errorf("Response = %q, want Hello", q.Response)
	}
	if q.TotalTokens != 42 || q.TokensEstimated {
		t.Errorf("TotalTokens = %d estimated=%v, want 42 reported", q.TotalTokens, q.TokensEstimated)
	}
	if q.Status != domain.QueryStatusCompleted {
		t.Errorf("Status = %s", q.Status)
	}
	if q.Method != "rag" || q.Model != "m1" {
		t.Errorf("Method/Model = %q/%q", q.Method, q.Model)
	}
	if q.UserID != "user-1" {
		t.Errorf("UserID = %q", q.UserID)
	}
	if !strings.Contains(string(q.Metrics), `"total_tokens":42`) {
		t.Errorf("Metrics = %s", q.Metrics)
	}
	if q.Cost.String() != "0.042" {
		t.Errorf("Cost = %s, want 0.042", q.Cost)
	}
}

func TestRelay_ChunkBoundariesDoNotChangeOutput(t *testing.T) {
	stream := `{"text":"a"}` + "\n" + `{"text":"b"}` + "\r\n\n" + `{"is_final":true,"text":"c"}`

	var reference string
	for split := 1; split < len(stream); split += 7 {
		store := memory.New()
		r := newTestRelay(t, &fakeUpstream{body: chunked(stream[:split], stream[split:])}, store)
		rec := httptest.NewRecorder()
		res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
		if err != nil {
			t.Fatalf("split %d: Run() error = %v", split, err)
		}
		if reference == "" {
			reference = rec.Body.String()
		}
		if rec.Body.String() != reference {
			t.Errorf("split %d: output %q differs from %q", split, rec.Body.String(), reference)
		}
		q, _ := store.GetModelQuery(context.Background(), res.QueryID)
		if q.Response != "abc" {
			t.Errorf("split %d: Response = %q, want abc", split, q.Response)
		}
	}
}

func TestRelay_HumanTaskThenEOF(t *testing.T) {
	store := memory.New()
	publisher, err := direct.NewPublisher(store)
	if err != nil {
		t.Fatal(err)
	}
	humanTask := `{"human_task":{"id":"t1","model_query_id":"q1","reason":"needs approval","status":"PENDING"}}`
	up := &fakeUpstream{body: chunked(
		`{"text":"partial"}`+"\n",
		humanTask+"\n",
		humanTask+"\n",
	)}
	r := newTestRelay(t, up, store, WithPublisher(publisher))

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := outputLines(t, rec.Body.String())
	if len(lines) != 3 || lines[0] != `{"text":"partial"}` || lines[1] != humanTask {
		t.Fatalf("output = %q", lines)
	}

	if n := store.HumanTaskCount(); n != 1 {
		t.Fatalf("HumanTaskCount = %d, want 1", n)
	}
	task, err := store.GetHumanTaskByQuery(context.Background(), res.QueryID)
	if err != nil {
		t.Fatalf("GetHumanTaskByQuery() error = %v", err)
	}
	if task.ID != "t1" || task.Status != domain.HumanTaskPending || task.Reason != "needs approval" {
		t.Errorf("task = %+v", task)
	}
	if _, err := store.GetHumanTaskByQuery(context.Background(), "q1"); err == nil {
		t.Error("task must not reference the upstream query id")
	}

	q, err := store.GetModelQuery(context.Background(), task.ModelQueryID)
	if err != nil {
		t.Fatalf("task references missing query %q: %v", task.ModelQueryID, err)
	}
	if q.Status != domain.QueryStatusAwaitingHuman {
		t.Errorf("Status = %s, want AWAITING_HUMAN", q.Status)
	}
	if q.Status == domain.QueryStatusCompleted {
		t.Error("turn must not be marked final")
	}

	notes, _ := store.ListNotifications(context.Background(), "user-1")
	if len(notes) != 1 || notes[0].RefID != "t1" {
		t.Errorf("notifications = %+v, want one for t1", notes)
	}
}

func TestRelay_HumanTaskDefaultsToCurrentQuery(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{body: chunked(`{"human_task":{"reason":"check"}}` + "\n" + `{"is_final":true,"text":"done"}` + "\n")}
	r := newTestRelay(t, up, store)

	res, err := r.Run(context.Background(), httptest.NewRecorder(), testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	task, err := store.GetHumanTaskByQuery(context.Background(), res.QueryID)
	if err != nil {
		t.Fatalf("GetHumanTaskByQuery() error = %v", err)
	}
	if task.ID == "" {
		t.Error("task id should be generated")
	}
	if res.Status != domain.QueryStatusCompleted {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestRelay_ErrorEvent(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{body: chunked(
		`{"text":"par"}` + "\n" +
			`{"error":{"code":"rag_failed","detail":"index down"}}` + "\n" +
			`{"text":"never"}` + "\n",
	)}
	r := newTestRelay(t, up, store)

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := outputLines(t, rec.Body.String())
	if len(lines) != 2 {
		t.Fatalf("output = %q, want text and error lines only", lines)
	}
	if code := lastErrorCode(t, lines); code != "rag_failed" {
		t.Errorf("error code = %q", code)
	}

	q, _ := store.GetModelQuery(context.Background(), res.QueryID)
	if q.Status != domain.QueryStatusFailed || q.Response != "" {
		t.Errorf("query = status %s response %q, want FAILED and empty", q.Status, q.Response)
	}
	if q.ErrorCode != "rag_failed" || q.ErrorMessage != "index down" {
		t.Errorf("error = %q/%q", q.ErrorCode, q.ErrorMessage)
	}
}

func TestRelay_IncompleteStream(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{body: chunked(`{"text":"trunc"}` + "\n" + "not json\n")}
	r := newTestRelay(t, up, store)

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := outputLines(t, rec.Body.String())
	if len(lines) != 2 {
		t.Fatalf("output = %q", lines)
	}
	if code := lastErrorCode(t, lines); code != string(domain.ErrorCodeUpstreamIncomplete) {
		t.Errorf("error code = %q", code)
	}
	if res.Status != domain.QueryStatusIncomplete || res.Events != 1 {
		t.Errorf("result = %+v", res)
	}
	q, _ := store.GetModelQuery(context.Background(), res.QueryID)
	if q.Response != "" {
		t.Errorf("partial response persisted: %q", q.Response)
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	store := memory.New()
	pr, pw := io.Pipe()
	body := newTrackedBody(pr)
	go func() {
		_, _ = pw.Write([]byte(`{"text":"slow"}` + "\n"))
	}()
	r := newTestRelay(t, &fakeUpstream{body: body}, store, WithIdleTimeout(50*time.Millisecond))

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := outputLines(t, rec.Body.String())
	if code := lastErrorCode(t, lines); code != string(domain.ErrorCodeUpstreamTimeout) {
		t.Errorf("error code = %q", code)
	}
	if res.Status != domain.QueryStatusFailed {
		t.Errorf("Status = %s, want FAILED", res.Status)
	}
	select {
	case <-body.closed:
	default:
		t.Error("upstream body not closed after idle timeout")
	}
}

func TestRelay_LineTooLong(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{body: chunked(`{"text":"ok"}`+"\n", `{"text":"`+strings.Repeat("x", 64)+`"}`+"\n")}
	r := newTestRelay(t, up, store, WithMaxLineBytes(32))

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	lines := outputLines(t, rec.Body.String())
	if code := lastErrorCode(t, lines); code != string(domain.ErrorCodeUpstreamStreamError) {
		t.Errorf("error code = %q", code)
	}
	if res.Status != domain.QueryStatusFailed {
		t.Errorf("Status = %s", res.Status)
	}
}

// notifyWriter signals after the first line reached the client.
type notifyWriter struct {
	*httptest.ResponseRecorder
	once  sync.Once
	wrote chan struct{}
}

func (w *notifyWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(p)
	w.once.Do(func() { close(w.wrote) })
	return n, err
}

func TestRelay_ClientDisconnect(t *testing.T) {
	store := memory.New()
	pr, pw := io.Pipe()
	body := newTrackedBody(pr)
	go func() {
		_, _ = pw.Write([]byte(`{"text":"one"}` + "\n"))
	}()
	r := newTestRelay(t, &fakeUpstream{body: body}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &notifyWriter{ResponseRecorder: httptest.NewRecorder(), wrote: make(chan struct{})}

	done := make(chan Result, 1)
	go func() {
		res, _ := r.Run(ctx, w, testPrincipal, testRequest)
		done <- res
	}()

	<-w.wrote
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after client disconnect")
	}

	select {
	case <-body.closed:
	default:
		t.Error("upstream body not closed after client disconnect")
	}
	if _, err := pw.Write([]byte(`{"text":"two"}` + "\n")); err == nil {
		t.Error("upstream still consumed after client disconnect")
	}

	if res.Status != domain.QueryStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", res.Status)
	}
	if lines := outputLines(t, w.Body.String()); len(lines) != 1 {
		t.Errorf("output after disconnect = %q", lines)
	}
	q, _ := store.GetModelQuery(context.Background(), res.QueryID)
	if q.Status != domain.QueryStatusCancelled {
		t.Errorf("persisted Status = %s", q.Status)
	}
}

// failingWriter rejects writes after the first n.
type failingWriter struct {
	*httptest.ResponseRecorder
	n int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, errors.New("broken pipe")
	}
	w.n--
	return w.ResponseRecorder.Write(p)
}

func TestRelay_WriteFailure(t *testing.T) {
	store := memory.New()
	body := chunked(`{"text":"a"}`+"\n", `{"text":"b"}`+"\n", `{"is_final":true}`+"\n")
	r := newTestRelay(t, &fakeUpstream{body: body}, store)

	res, err := r.Run(context.Background(), &failingWriter{ResponseRecorder: httptest.NewRecorder(), n: 1}, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != domain.QueryStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", res.Status)
	}
	<-body.closed
}

func TestRelay_FinalWriteFailure(t *testing.T) {
	store := memory.New()
	body := chunked(`{"text":"a"}`+"\n", `{"is_final":true}`+"\n")
	r := newTestRelay(t, &fakeUpstream{body: body}, store)

	res, err := r.Run(context.Background(), &failingWriter{ResponseRecorder: httptest.NewRecorder(), n: 1}, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != domain.QueryStatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", res.Status)
	}
	q, _ := store.GetModelQuery(context.Background(), res.QueryID)
	if q.Status != domain.QueryStatusCancelled {
		t.Errorf("stored Status = %s, want CANCELLED", q.Status)
	}
}

func TestRelay_FloatMetricsPersisted(t *testing.T) {
	store := memory.New()
	final := `{"is_final":true,"metrics":{"total_tokens":42,"duration_ms":1532.7,"rag_calls":1}}`
	up := &fakeUpstream{body: chunked(`{"text":"Hello"}`+"\n", final+"\n")}
	r := newTestRelay(t, up, store)

	res, err := r.Run(context.Background(), httptest.NewRecorder(), testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	q, _ := store.GetModelQuery(context.Background(), res.QueryID)
	if q.Status != domain.QueryStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", q.Status)
	}
	if q.TotalTokens != 42 || q.TokensEstimated {
		t.Errorf("TotalTokens = %d estimated=%v, want 42 reported", q.TotalTokens, q.TokensEstimated)
	}
	if !strings.Contains(string(q.Metrics), `"duration_ms":1532.7`) || !strings.Contains(string(q.Metrics), `"rag_calls":1`) {
		t.Errorf("Metrics = %s", q.Metrics)
	}
}

// slowWriter models a client that reads slower than upstream produces.
type slowWriter struct {
	*httptest.ResponseRecorder
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return w.ResponseRecorder.Write(p)
}

func TestRelay_SlowReaderReceivesEverything(t *testing.T) {
	const n = 200
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(`{"text":"x"}` + "\n")
	}
	sb.WriteString(`{"is_final":true}` + "\n")

	store := memory.New()
	r := newTestRelay(t, &fakeUpstream{body: chunked(sb.String())}, store)
	w := &slowWriter{ResponseRecorder: httptest.NewRecorder()}

	res, err := r.Run(context.Background(), w, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Events != n+1 {
		t.Errorf("Events = %d, want %d", res.Events, n+1)
	}
	if w.Body.String() != sb.String() {
		t.Error("slow client output differs from upstream")
	}
	q, _ := store.GetModelQuery(context.Background(), res.QueryID)
	if len(q.Response) != n {
		t.Errorf("Response length = %d, want %d", len(q.Response), n)
	}
}

// brokenStore fails every write.
type brokenStore struct {
	*memory.Store
}

var errStoreDown = errors.New("database unavailable")

func (brokenStore) CreateModelQuery(context.Context, *domain.ModelQuery) error { return errStoreDown }

func (brokenStore) FinalizeModelQuery(context.Context, string, domain.QueryOutcome) (bool, error) {
	return false, errStoreDown
}

func (brokenStore) CreateHumanTaskIfAbsent(context.Context, *domain.HumanTask) (bool, error) {
	return false, errStoreDown
}

func TestRelay_PersistenceFailureDoesNotAbortStream(t *testing.T) {
	body := chunked(`{"text":"a"}` + "\n" + `{"human_task":{"reason":"r"}}` + "\n" + `{"is_final":true}` + "\n")
	r := newTestRelay(t, &fakeUpstream{body: body}, brokenStore{memory.New()})

	rec := httptest.NewRecorder()
	res, err := r.Run(context.Background(), rec, testPrincipal, testRequest)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if lines := outputLines(t, rec.Body.String()); len(lines) != 3 {
		t.Errorf("output = %q, want all three events", lines)
	}
	if res.Status != domain.QueryStatusCompleted {
		t.Errorf("Status = %s", res.Status)
	}
}

func TestRelay_OpenFailureWritesNothing(t *testing.T) {
	store := memory.New()
	up := &fakeUpstream{err: domain.ErrUpstreamUnavailable("generation service returned 500: model unavailable")}
	r := newTestRelay(t, up, store)

	rec := httptest.NewRecorder()
	_, err := r.Run(context.Background(), rec, testPrincipal, testRequest)

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode() != http.StatusBadGateway {
		t.Fatalf("Run() error = %v, want 502 APIError", err)
	}
	if rec.Body.Len() != 0 || rec.Flushed {
		t.Error("bytes written before upstream succeeded")
	}
	if qs := store.ListModelQueries(); len(qs) != 0 {
		t.Errorf("model queries created: %d", len(qs))
	}
}

func TestRelay_SetIdleTimeout(t *testing.T) {
	r := New(&fakeUpstream{}, memory.New())
	if r.IdleTimeout() != DefaultIdleTimeout {
		t.Errorf("IdleTimeout() = %v", r.IdleTimeout())
	}
	r.SetIdleTimeout(time.Second)
	r.SetIdleTimeout(0)
	if r.IdleTimeout() != time.Second {
		t.Errorf("IdleTimeout() = %v, want 1s", r.IdleTimeout())
	}
}
