package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ytbot-dev/ytbot/internal/cache"
	"github.com/ytbot-dev/ytbot/internal/downloader"
	"github.com/ytbot-dev/ytbot/internal/models"
	"github.com/ytbot-dev/ytbot/internal/monitor"
	"github.com/ytbot-dev/ytbot/internal/nextcloud"
	"github.com/ytbot-dev/ytbot/internal/session"
	"github.com/ytbot-dev/ytbot/internal/store"
)

// mockService captures outbound messages for assertions.
type mockService struct {
	mu       sync.Mutex
	sent     []string
	messages chan models.IncomingMessage
}

func newMockService() *mockService {
	return &mockService{messages: make(chan models.IncomingMessage, 10)}
}

func (m *mockService) SendMessage(ctx context.Context, chatID int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

func (m *mockService) Start(ctx context.Context) error           { return nil }
func (m *mockService) Stop() error                               { return nil }
func (m *mockService) Messages() <-chan models.IncomingMessage   { return m.messages }
func (m *mockService) CheckConnection(ctx context.Context) error { return nil }

func (m *mockService) lastSent(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("expected at least one sent message")
	}
	return m.sent[len(m.sent)-1]
}

// fakeYtdlp writes an executable script that mimics yt-dlp: it answers
// --version and otherwise creates one media file in the output directory.
func fakeYtdlp(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "2026.8.1"
  exit 0
fi
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
dir=$(dirname "$out")
printf 'media-bytes' > "$dir/Test Video.mp3"
`
	path := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake yt-dlp: %v", err)
	}
	return path
}

// davServer is a WebDAV stub that can be toggled between accepting and
// rejecting uploads, and can pretend a remote file already exists.
type davServer struct {
	mu     sync.Mutex
	reject bool
	statOK bool
	puts   int
}

func (d *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	reject := d.reject
	statOK := d.statOK
	if r.Method == "PUT" {
		d.puts++
	}
	d.mu.Unlock()

	switch r.Method {
	case "OPTIONS":
		w.WriteHeader(http.StatusOK)
	case "PROPFIND":
		if !statOK {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>%s</d:href>
  <d:propstat>
   <d:prop>
    <d:displayname>stub</d:displayname>
    <d:resourcetype/>
    <d:getcontentlength>11</d:getcontentlength>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`, r.URL.Path)
	case "MKCOL":
		w.WriteHeader(http.StatusCreated)
	case "PUT":
		if reject {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (d *davServer) setReject(reject bool) {
	d.mu.Lock()
	d.reject = reject
	d.mu.Unlock()
}

func (d *davServer) setStatOK(ok bool) {
	d.mu.Lock()
	d.statOK = ok
	d.mu.Unlock()
}

func (d *davServer) putCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.puts
}

type handlerFixture struct {
	handler  *ResponseHandler
	svc      *mockService
	sessions *session.Manager
	queue    *cache.Manager
	history  *store.InMemoryStore
	dav      *davServer
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	dav := &davServer{}
	srv := httptest.NewServer(dav)
	t.Cleanup(srv.Close)

	nc, err := nextcloud.NewClient(
		nextcloud.WithBaseURL(srv.URL),
		nextcloud.WithBaseDir("/YTBot"),
		nextcloud.WithMaxAttempts(1),
		nextcloud.WithInitialDelay(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("failed to create nextcloud client: %v", err)
	}

	queue, err := cache.NewManager(cache.WithPath(filepath.Join(t.TempDir(), "retry_queue.json")))
	if err != nil {
		t.Fatalf("failed to create cache manager: %v", err)
	}

	svc := newMockService()
	sessions := session.NewManager()
	history := store.NewInMemoryStore()
	dl := downloader.New(
		downloader.WithBinPath(fakeYtdlp(t)),
		downloader.WithWorkDir(t.TempDir()),
	)
	handler := NewResponseHandler(svc, sessions, dl, nc, queue, history, monitor.New(),
		WithDownloadTimeout(time.Minute))

	return &handlerFixture{handler: handler, svc: svc, sessions: sessions, queue: queue, history: history, dav: dav}
}

func msgFrom(user string, text string) models.IncomingMessage {
	return models.IncomingMessage{ChatID: 42, UserID: user, Text: text, Received: time.Now()}
}

func TestHandleHelpCommand(t *testing.T) {
	f := newHandlerFixture(t)
	if err := f.handler.HandleMessage(context.Background(), msgFrom("u1", "/help")); err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	if !strings.Contains(f.svc.lastSent(t), "/status") {
		t.Errorf("help message should list commands, got %q", f.svc.lastSent(t))
	}
}

func TestHandleURLSetsAwaitingChoice(t *testing.T) {
	f := newHandlerFixture(t)
	if err := f.handler.HandleMessage(context.Background(), msgFrom("u1", "https://youtu.be/abc123")); err != nil {
		t.Fatalf("URL handling failed: %v", err)
	}

	sess, ok := f.sessions.GetState("u1")
	if !ok {
		t.Fatal("expected a session after sending a URL")
	}
	if sess.State != models.StateAwaitingChoice {
		t.Errorf("expected AWAITING_CHOICE, got %s", sess.State)
	}
	if sess.Payload["platform"] != "youtube" {
		t.Errorf("expected youtube platform in payload, got %q", sess.Payload["platform"])
	}
	if !strings.Contains(f.svc.lastSent(t), "audio") {
		t.Errorf("expected format prompt, got %q", f.svc.lastSent(t))
	}
}

func TestHandleInvalidChoiceKeepsSession(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	f.handler.HandleMessage(ctx, msgFrom("u1", "maybe"))

	if !f.sessions.IsInState("u1", models.StateAwaitingChoice) {
		t.Error("invalid choice should leave the session in AWAITING_CHOICE")
	}
	if !strings.Contains(f.svc.lastSent(t), "audio") {
		t.Errorf("expected re-prompt, got %q", f.svc.lastSent(t))
	}
}

func TestCancelClearsSession(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	f.handler.HandleMessage(ctx, msgFrom("u1", "/cancel"))

	if _, ok := f.sessions.GetState("u1"); ok {
		t.Error("cancel should clear the session")
	}
}

func TestDeliveryFlowSucceeds(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	if err := f.handler.HandleMessage(ctx, msgFrom("u1", "audio")); err != nil {
		t.Fatalf("delivery flow failed: %v", err)
	}

	if _, ok := f.sessions.GetState("u1"); ok {
		t.Error("session should be cleared after delivery")
	}
	if !strings.Contains(f.svc.lastSent(t), "Done!") {
		t.Errorf("expected delivery confirmation, got %q", f.svc.lastSent(t))
	}

	count, err := f.history.CountDeliveries()
	if err != nil || count != 1 {
		t.Errorf("expected 1 recorded delivery, got %d (err %v)", count, err)
	}
	recs, _ := f.history.RecentDeliveries(1)
	if len(recs) != 1 || recs[0].Origin != models.DeliveryOriginDirect {
		t.Errorf("expected a direct-origin delivery record, got %+v", recs)
	}
	if got := f.queue.Stats().Count; got != 0 {
		t.Errorf("queue should stay empty on success, has %d items", got)
	}
}

func TestDeliveryFlowQueuesOnUploadFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.dav.setReject(true)
	ctx := context.Background()
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	if err := f.handler.HandleMessage(ctx, msgFrom("u1", "video")); err != nil {
		t.Fatalf("flow should not error when the item is queued: %v", err)
	}

	items := f.queue.List()
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	if items[0].RemoteDir != "video" {
		t.Errorf("queued item should carry the chosen format dir, got %q", items[0].RemoteDir)
	}
	if items[0].ChatID != 42 {
		t.Errorf("queued item should carry the originating chat, got %d", items[0].ChatID)
	}
	if _, err := os.Stat(items[0].SourcePath); err != nil {
		t.Errorf("queued item's source file must survive: %v", err)
	}
	if !strings.Contains(f.svc.lastSent(t), "queued") {
		t.Errorf("user should be told the item is queued, got %q", f.svc.lastSent(t))
	}

	if count, _ := f.history.CountDeliveries(); count != 0 {
		t.Errorf("no delivery should be recorded on failure, got %d", count)
	}
}

func TestDrainQueueDeliversQueuedItems(t *testing.T) {
	f := newHandlerFixture(t)
	f.dav.setReject(true)
	ctx := context.Background()
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	f.handler.HandleMessage(ctx, msgFrom("u1", "audio"))
	if got := f.queue.Stats().Count; got != 1 {
		t.Fatalf("expected 1 queued item before drain, got %d", got)
	}

	f.dav.setReject(false)
	summary := f.handler.DrainQueue(ctx)
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Errorf("expected 1/0 drain summary, got %d/%d", summary.Succeeded, summary.Failed)
	}
	if got := f.queue.Stats().Count; got != 0 {
		t.Errorf("queue should be empty after drain, has %d items", got)
	}

	recs, _ := f.history.RecentDeliveries(1)
	if len(recs) != 1 || recs[0].Origin != models.DeliveryOriginRetry {
		t.Errorf("drained delivery should be retry-origin, got %+v", recs)
	}
	if !strings.Contains(f.svc.lastSent(t), "retry queue") {
		t.Errorf("user should be told about the retry delivery, got %q", f.svc.lastSent(t))
	}
}

func TestDrainSkipsAlreadyUploadedItem(t *testing.T) {
	f := newHandlerFixture(t)
	f.dav.setReject(true)
	ctx := context.Background()
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	f.handler.HandleMessage(ctx, msgFrom("u1", "audio"))
	if got := f.queue.Stats().Count; got != 1 {
		t.Fatalf("expected 1 queued item before drain, got %d", got)
	}
	putsBefore := f.dav.putCount()

	// The remote now reports the file present (an earlier pass delivered it
	// but the local removal was lost); uploads still fail, so any transfer
	// attempt would show up as a failed drain.
	f.dav.setStatOK(true)
	summary := f.handler.DrainQueue(ctx)
	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Errorf("expected 1/0 drain summary, got %d/%d", summary.Succeeded, summary.Failed)
	}
	if got := f.dav.putCount(); got != putsBefore {
		t.Errorf("drain must not re-upload an existing remote file, saw %d extra PUTs", got-putsBefore)
	}
	if got := f.queue.Stats().Count; got != 0 {
		t.Errorf("queue should be empty after dedup drain, has %d items", got)
	}
	recs, _ := f.history.RecentDeliveries(1)
	if len(recs) != 1 || recs[0].Origin != models.DeliveryOriginRetry {
		t.Errorf("dedup drain should still record the delivery, got %+v", recs)
	}
}

func TestRetryCommandReportsSummary(t *testing.T) {
	f := newHandlerFixture(t)
	if err := f.handler.HandleMessage(context.Background(), msgFrom("u1", "/retry")); err != nil {
		t.Fatalf("retry command failed: %v", err)
	}
	if !strings.Contains(f.svc.lastSent(t), "0 delivered") {
		t.Errorf("expected empty retry summary, got %q", f.svc.lastSent(t))
	}
}

func TestStatusCommandReportsQueueAndSessions(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	f.history.AddDelivery(models.DeliveryRecord{
		ChatID: 42, FileName: "song.mp3", RemotePath: "/YTBot/audio/song.mp3",
		SizeBytes: 1024, Origin: models.DeliveryOriginDirect, Time: time.Now(),
	})
	f.handler.HandleMessage(ctx, msgFrom("u1", "https://youtu.be/abc123"))
	f.handler.HandleMessage(ctx, msgFrom("u2", "/status"))

	report := f.svc.lastSent(t)
	if !strings.Contains(report, "Retry queue: 0 items") {
		t.Errorf("status should report the queue, got %q", report)
	}
	if !strings.Contains(report, "Active sessions: 1") {
		t.Errorf("status should count active sessions, got %q", report)
	}
	if !strings.Contains(report, "song.mp3") {
		t.Errorf("status should list recent deliveries, got %q", report)
	}
}

func TestNonURLTextGetsHint(t *testing.T) {
	f := newHandlerFixture(t)
	if err := f.handler.HandleMessage(context.Background(), msgFrom("u1", "hello there")); err != nil {
		t.Fatalf("plain text handling failed: %v", err)
	}
	if !strings.Contains(f.svc.lastSent(t), "/help") {
		t.Errorf("expected hint pointing to /help, got %q", f.svc.lastSent(t))
	}
}

// gateService blocks every SendMessage until released, to observe how many
// handlers are in flight at once.
type gateService struct {
	mockService
	arrived chan string
	release chan struct{}
}

func newGateService() *gateService {
	return &gateService{
		mockService: mockService{messages: make(chan models.IncomingMessage, 10)},
		arrived:     make(chan string, 10),
		release:     make(chan struct{}),
	}
}

func (g *gateService) SendMessage(ctx context.Context, chatID int64, body string) error {
	g.arrived <- body
	<-g.release
	return g.mockService.SendMessage(ctx, chatID, body)
}

func TestRunHandlesUsersConcurrently(t *testing.T) {
	f := newHandlerFixture(t)
	gate := newGateService()
	f.handler.msgService = gate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.handler.Run(ctx)
		close(done)
	}()

	// One user's blocked reply must not keep another user's message from
	// being handled.
	gate.messages <- msgFrom("u1", "/help")
	gate.messages <- msgFrom("u2", "/help")
	for i := 0; i < 2; i++ {
		select {
		case <-gate.arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("second user's message was not handled while the first was blocked")
		}
	}

	close(gate.release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not drain in-flight handlers on cancel")
	}
}

func TestRunSerializesSameUser(t *testing.T) {
	f := newHandlerFixture(t)
	gate := newGateService()
	f.handler.msgService = gate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.handler.Run(ctx)
		close(done)
	}()

	gate.messages <- msgFrom("u1", "/help")
	gate.messages <- msgFrom("u1", "/help")

	select {
	case <-gate.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("first message was not handled")
	}
	// The second message for the same user must wait behind the first.
	select {
	case <-gate.arrived:
		t.Fatal("same-user messages ran concurrently")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	select {
	case <-gate.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("second message never ran after the first finished")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newHandlerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.handler.Run(ctx)
		close(done)
	}()

	f.svc.messages <- msgFrom("u1", "/help")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
