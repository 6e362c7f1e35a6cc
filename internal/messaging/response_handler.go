package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ytbot-dev/ytbot/internal/cache"
	"github.com/ytbot-dev/ytbot/internal/downloader"
	"github.com/ytbot-dev/ytbot/internal/models"
	"github.com/ytbot-dev/ytbot/internal/monitor"
	"github.com/ytbot-dev/ytbot/internal/nextcloud"
	"github.com/ytbot-dev/ytbot/internal/session"
	"github.com/ytbot-dev/ytbot/internal/store"
)

// Session payload keys carried between the URL prompt and the format choice.
const (
	payloadKeyURL      = "url"
	payloadKeyPlatform = "platform"
)

// defaultHelpMessage lists what the bot understands.
const defaultHelpMessage = "Send me a video link and I'll download it to your Nextcloud.\n\n" +
	"Commands:\n" +
	"/status - service availability and queue state\n" +
	"/retry - replay queued deliveries now\n" +
	"/cancel - abandon the current interaction\n" +
	"/help - this message"

// ResponseHandler routes incoming messages through per-user session state and
// drives the download, upload and retry flow.
type ResponseHandler struct {
	msgService Service
	sessions   *session.Manager
	dl         *downloader.Downloader
	nc         *nextcloud.Client
	queue      *cache.Manager
	history    store.Store
	mon        *monitor.Monitor

	// adminChatID receives operational notices; 0 disables them.
	adminChatID int64
	// downloadTimeout bounds one download+upload cycle.
	downloadTimeout time.Duration

	// userMu guards userLocks; each user's messages are serialized behind
	// their own lock so one user's download never blocks another user.
	userMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

// HandlerOpts holds configuration for the ResponseHandler.
type HandlerOpts struct {
	AdminChatID     int64
	DownloadTimeout time.Duration
}

// HandlerOption defines a configuration option for the ResponseHandler.
type HandlerOption func(*HandlerOpts)

// WithAdminChatID sets the chat that receives operational notices.
func WithAdminChatID(id int64) HandlerOption {
	return func(o *HandlerOpts) { o.AdminChatID = id }
}

// WithDownloadTimeout bounds one download+upload cycle.
func WithDownloadTimeout(d time.Duration) HandlerOption {
	return func(o *HandlerOpts) { o.DownloadTimeout = d }
}

// DefaultDownloadTimeout bounds a single download+upload cycle. Large videos
// on slow links take a while; anything past this is treated as stuck.
const DefaultDownloadTimeout = 30 * time.Minute

// NewResponseHandler creates a ResponseHandler with the given collaborators.
func NewResponseHandler(msgService Service, sessions *session.Manager, dl *downloader.Downloader, nc *nextcloud.Client, queue *cache.Manager, history store.Store, mon *monitor.Monitor, opts ...HandlerOption) *ResponseHandler {
	cfg := HandlerOpts{DownloadTimeout: DefaultDownloadTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ResponseHandler{
		msgService:      msgService,
		sessions:        sessions,
		dl:              dl,
		nc:              nc,
		queue:           queue,
		history:         history,
		mon:             mon,
		adminChatID:     cfg.AdminChatID,
		downloadTimeout: cfg.DownloadTimeout,
		userLocks:       make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing one user's in-flight interaction.
func (rh *ResponseHandler) userLock(userID string) *sync.Mutex {
	rh.userMu.Lock()
	defer rh.userMu.Unlock()
	mu, ok := rh.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		rh.userLocks[userID] = mu
	}
	return mu
}

// HandleMessage processes one incoming message. Errors are reported to the
// user where possible and returned for logging; they never stop the message
// loop.
func (rh *ResponseHandler) HandleMessage(ctx context.Context, msg models.IncomingMessage) error {
	text := strings.TrimSpace(msg.Text)
	slog.Debug("ResponseHandler processing message", "user_id", msg.UserID, "chat_id", msg.ChatID, "body_length", len(text))

	if strings.HasPrefix(text, "/") {
		return rh.handleCommand(ctx, msg, text)
	}

	if sess, ok := rh.sessions.GetState(msg.UserID); ok && sess.State == models.StateAwaitingChoice {
		return rh.handleFormatChoice(ctx, msg, sess, text)
	}

	if downloader.IsSupportedURL(text) {
		return rh.handleURL(ctx, msg, text)
	}

	return rh.msgService.SendMessage(ctx, msg.ChatID, "Send me a link to download, or /help for commands.")
}

func (rh *ResponseHandler) handleCommand(ctx context.Context, msg models.IncomingMessage, text string) error {
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/start", "/help":
		return rh.msgService.SendMessage(ctx, msg.ChatID, defaultHelpMessage)
	case "/status":
		return rh.msgService.SendMessage(ctx, msg.ChatID, rh.statusReport())
	case "/retry":
		summary := rh.DrainQueue(ctx)
		return rh.msgService.SendMessage(ctx, msg.ChatID,
			fmt.Sprintf("Retry pass finished: %d delivered, %d still queued.", summary.Succeeded, summary.Failed))
	case "/cancel":
		rh.sessions.ClearState(msg.UserID)
		return rh.msgService.SendMessage(ctx, msg.ChatID, "Okay, canceled. Send a new link whenever you're ready.")
	default:
		return rh.msgService.SendMessage(ctx, msg.ChatID, "Unknown command. Try /help.")
	}
}

// handleURL records the pending URL in the user's session and prompts for a
// format choice.
func (rh *ResponseHandler) handleURL(ctx context.Context, msg models.IncomingMessage, rawURL string) error {
	platform := downloader.DetectPlatform(rawURL)
	payload := map[string]string{payloadKeyURL: rawURL, payloadKeyPlatform: platform}
	if err := rh.sessions.SetState(msg.UserID, models.StateAwaitingChoice, payload); err != nil {
		slog.Error("ResponseHandler failed to set session state", "error", err, "user_id", msg.UserID)
		return fmt.Errorf("failed to set session state: %w", err)
	}
	slog.Info("ResponseHandler URL accepted", "user_id", msg.UserID, "platform", platform)
	return rh.msgService.SendMessage(ctx, msg.ChatID, "Got it. Reply \"audio\" for an mp3 or \"video\" for an mp4.")
}

// handleFormatChoice resolves the AWAITING_CHOICE state into a download.
func (rh *ResponseHandler) handleFormatChoice(ctx context.Context, msg models.IncomingMessage, sess models.UserSession, text string) error {
	format := downloader.Format(strings.ToLower(text))
	if !downloader.IsValidFormat(format) {
		return rh.msgService.SendMessage(ctx, msg.ChatID, "Please reply \"audio\" or \"video\", or /cancel to abort.")
	}

	rawURL := sess.Payload[payloadKeyURL]
	if rawURL == "" {
		rh.sessions.ClearState(msg.UserID)
		return rh.msgService.SendMessage(ctx, msg.ChatID, "I lost track of that link, please send it again.")
	}

	if err := rh.sessions.SetState(msg.UserID, models.StateInProgress, sess.Payload); err != nil {
		return fmt.Errorf("failed to set session state: %w", err)
	}
	if err := rh.msgService.SendMessage(ctx, msg.ChatID, "On it. I'll let you know when the file is in your Nextcloud."); err != nil {
		slog.Warn("ResponseHandler failed to send progress notice", "error", err, "chat_id", msg.ChatID)
	}

	err := rh.runDelivery(ctx, msg, rawURL, format)
	rh.sessions.ClearState(msg.UserID)
	return err
}

// runDelivery performs one download+upload cycle. An upload failure is not an
// error from the user's perspective: the item goes to the retry queue and the
// user is told so.
func (rh *ResponseHandler) runDelivery(ctx context.Context, msg models.IncomingMessage, rawURL string, format downloader.Format) error {
	dlCtx, cancel := context.WithTimeout(ctx, rh.downloadTimeout)
	defer cancel()

	result, err := rh.dl.Download(dlCtx, rawURL, format)
	if err != nil {
		slog.Error("ResponseHandler download failed", "error", err, "user_id", msg.UserID)
		if sendErr := rh.msgService.SendMessage(ctx, msg.ChatID, "The download failed. The link may be unsupported or the video unavailable."); sendErr != nil {
			slog.Warn("ResponseHandler failed to send failure notice", "error", sendErr, "chat_id", msg.ChatID)
		}
		return fmt.Errorf("download failed: %w", err)
	}

	remoteDir := string(format)
	remotePath, err := rh.nc.Upload(dlCtx, result.FilePath, remoteDir, result.FileName)
	if err != nil {
		slog.Warn("ResponseHandler upload failed, queueing for retry", "error", err, "file", result.FileName)
		if _, qErr := rh.queue.Enqueue(models.RetryItem{
			SourcePath: result.FilePath,
			RemoteDir:  remoteDir,
			RemoteName: result.FileName,
			ChatID:     msg.ChatID,
			LastError:  err.Error(),
		}); qErr != nil {
			slog.Error("ResponseHandler failed to queue retry item", "error", qErr, "file", result.FileName)
			downloader.Cleanup(result)
			rh.notifyAdmin(ctx, fmt.Sprintf("Upload AND retry-queue write failed for %s: %v / %v", result.FileName, err, qErr))
			return rh.msgService.SendMessage(ctx, msg.ChatID, "The upload failed and I couldn't queue it for retry. Please send the link again later.")
		}
		return rh.msgService.SendMessage(ctx, msg.ChatID,
			fmt.Sprintf("Nextcloud is unreachable right now. %s is queued and will be delivered automatically once it's back.", result.FileName))
	}

	rh.recordDelivery(models.DeliveryRecord{
		ChatID:     msg.ChatID,
		FileName:   result.FileName,
		RemotePath: remotePath,
		SizeBytes:  result.SizeBytes,
		Origin:     models.DeliveryOriginDirect,
		Time:       time.Now(),
	})
	downloader.Cleanup(result)
	return rh.msgService.SendMessage(ctx, msg.ChatID,
		fmt.Sprintf("Done! %s (%s) is in your Nextcloud at %s.", result.FileName, downloader.FormatFileSize(result.SizeBytes), remotePath))
}

// DrainQueue replays every queued retry item against the storage backend. It
// is called from /retry, from the maintenance schedule, and from the monitor's
// down-to-up transition for the storage service.
func (rh *ResponseHandler) DrainQueue(ctx context.Context) cache.DrainSummary {
	summary := rh.queue.Drain(ctx, func(ctx context.Context, item models.RetryItem) error {
		// Replays are at-least-once: an earlier pass may have uploaded the
		// file and crashed before removing the item. Skip the transfer when
		// the remote already has it.
		var remotePath string
		if rh.nc.Exists(item.RemoteDir, item.RemoteName) {
			remotePath = rh.nc.RemotePath(item.RemoteDir, item.RemoteName)
			slog.Info("Retry item already present remotely, skipping upload", "file", item.RemoteName, "remote_path", remotePath)
		} else {
			var err error
			remotePath, err = rh.nc.Upload(ctx, item.SourcePath, item.RemoteDir, item.RemoteName)
			if err != nil {
				return err
			}
		}
		rh.recordDelivery(models.DeliveryRecord{
			ChatID:     item.ChatID,
			FileName:   item.RemoteName,
			RemotePath: remotePath,
			SizeBytes:  item.SizeBytes,
			Origin:     models.DeliveryOriginRetry,
			Time:       time.Now(),
		})
		downloader.Cleanup(&downloader.Result{FilePath: item.SourcePath})
		if item.ChatID != 0 {
			if err := rh.msgService.SendMessage(ctx, item.ChatID,
				fmt.Sprintf("Delivered from the retry queue: %s is now at %s.", item.RemoteName, remotePath)); err != nil {
				slog.Warn("ResponseHandler failed to send retry delivery notice", "error", err, "chat_id", item.ChatID)
			}
		}
		return nil
	})

	if summary.Succeeded > 0 || summary.Failed > 0 {
		slog.Info("ResponseHandler queue drain finished", "succeeded", summary.Succeeded, "failed", summary.Failed)
	}
	return summary
}

// statusReport builds the /status reply from the monitor, queue and history.
func (rh *ResponseHandler) statusReport() string {
	var b strings.Builder
	b.WriteString("Service status:\n")
	for _, st := range rh.mon.Statuses() {
		b.WriteString(fmt.Sprintf("  %s: %s", st.Name, st.Availability))
		if st.Availability == models.AvailabilityDown && st.ConsecutiveFailures > 0 {
			b.WriteString(fmt.Sprintf(" (%d consecutive failures)", st.ConsecutiveFailures))
		}
		b.WriteString("\n")
	}

	stats := rh.queue.Stats()
	b.WriteString(fmt.Sprintf("Retry queue: %d items (%s)\n", stats.Count, downloader.FormatFileSize(stats.TotalBytes)))

	if count, err := rh.history.CountDeliveries(); err == nil {
		b.WriteString(fmt.Sprintf("Deliveries recorded: %d\n", count))
	}
	if recent, err := rh.history.RecentDeliveries(3); err == nil && len(recent) > 0 {
		b.WriteString("Recent deliveries:\n")
		for _, rec := range recent {
			b.WriteString(fmt.Sprintf("  %s (%s, %s)\n", rec.FileName, downloader.FormatFileSize(rec.SizeBytes), rec.Origin))
		}
	}
	b.WriteString(fmt.Sprintf("Active sessions: %d", rh.sessions.Count()))
	return b.String()
}

// recordDelivery writes the history row; a history failure never blocks a
// delivery that already happened.
func (rh *ResponseHandler) recordDelivery(rec models.DeliveryRecord) {
	if err := rh.history.AddDelivery(rec); err != nil {
		slog.Warn("ResponseHandler failed to record delivery", "error", err, "file", rec.FileName)
	}
}

// NotifyAdmin sends an operational notice to the configured admin chat.
func (rh *ResponseHandler) NotifyAdmin(ctx context.Context, text string) {
	rh.notifyAdmin(ctx, text)
}

func (rh *ResponseHandler) notifyAdmin(ctx context.Context, text string) {
	if rh.adminChatID == 0 {
		return
	}
	if err := rh.msgService.SendMessage(ctx, rh.adminChatID, text); err != nil {
		slog.Warn("ResponseHandler failed to notify admin", "error", err)
	}
}

// Run consumes the transport's message channel until the context is canceled
// or the channel closes, then waits for in-flight handlers to finish. Each
// message is handled on its own goroutine; messages from the same user are
// serialized behind a per-user lock so a long download stalls only that
// user's interaction, never the loop or other users. Handler errors are
// logged and do not stop the loop.
func (rh *ResponseHandler) Run(ctx context.Context) {
	slog.Info("ResponseHandler message loop started")
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			slog.Info("ResponseHandler message loop stopped", "reason", ctx.Err())
			return
		case msg, ok := <-rh.msgService.Messages():
			if !ok {
				slog.Info("ResponseHandler message channel closed")
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				mu := rh.userLock(msg.UserID)
				mu.Lock()
				defer mu.Unlock()
				if err := rh.HandleMessage(ctx, msg); err != nil {
					slog.Error("ResponseHandler message handling failed", "error", err, "user_id", msg.UserID)
				}
			}()
		}
	}
}
