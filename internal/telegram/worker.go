package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/domosclub/clubauth/pkg/auth"
)

// Bot replies.
const (
	MessageLoginConfirmed = "You are signed in. Return to the browser to continue."
	MessageLoginRejected  = "This login link has expired or was already used. Request a new one on the website."
	MessageLoginFailed    = "Something went wrong while signing you in. Please try again."
	MessageWelcome        = "Hi! Open the login link from the DomosClub website to sign in."
)

// Update kinds reported to WorkerRecorder.
const (
	UpdateClaimed  = "claimed"
	UpdateRejected = "rejected"
	UpdateFailed   = "failed"
	UpdateIgnored  = "ignored"
	UpdateCommand  = "command"
)

const maxBackoff = 30 * time.Second

// API is the part of the Bot API the worker uses.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// WorkerRecorder counts handled updates.
type WorkerRecorder interface {
	BotUpdate(kind string)
}

type nopWorkerRecorder struct{}

func (nopWorkerRecorder) BotUpdate(string) {}

// Worker long-polls the bot for updates and claims login tokens sent with
// /start. Only a pending token can be claimed, so a repeated /start for a
// token that is already processed gets the rejection reply and leaves the
// first claim intact.
type Worker struct {
	api         API
	claimer     auth.TokenClaimer
	recorder    WorkerRecorder
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewWorker creates a bot worker. recorder may be nil.
func NewWorker(api API, claimer auth.TokenClaimer, recorder WorkerRecorder, pollTimeout time.Duration, logger *slog.Logger) *Worker {
	if recorder == nil {
		recorder = nopWorkerRecorder{}
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Worker{
		api:         api,
		claimer:     claimer,
		recorder:    recorder,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var offset int64
	backoff := time.Second
	w.logger.Info("bot worker started", "poll_timeout", w.pollTimeout)

	for {
		if ctx.Err() != nil {
			w.logger.Info("bot worker stopped")
			return nil
		}

		updates, err := w.api.GetUpdates(ctx, offset, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			w.logger.Warn("failed to fetch updates", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				continue
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			w.HandleUpdate(ctx, u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

// HandleUpdate processes a single update.
func (w *Worker) HandleUpdate(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		w.recorder.BotUpdate(UpdateIgnored)
		return
	}

	command, payload := parseCommand(msg.Text)
	switch command {
	case "/start":
		if payload == "" {
			w.recorder.BotUpdate(UpdateCommand)
			w.reply(ctx, msg.Chat.ID, MessageWelcome)
			return
		}
		w.claim(ctx, msg, payload)
	case "/help":
		w.recorder.BotUpdate(UpdateCommand)
		w.reply(ctx, msg.Chat.ID, MessageWelcome)
	default:
		w.recorder.BotUpdate(UpdateIgnored)
	}
}

func (w *Worker) claim(ctx context.Context, msg *Message, token string) {
	ok, err := w.claimer.MarkProcessed(ctx, token, msg.From.ID)
	switch {
	case err != nil:
		w.logger.Error("failed to claim login token", "telegram_id", msg.From.ID, "error", err)
		w.recorder.BotUpdate(UpdateFailed)
		w.reply(ctx, msg.Chat.ID, MessageLoginFailed)
	case !ok:
		w.logger.Info("login token rejected", "telegram_id", msg.From.ID)
		w.recorder.BotUpdate(UpdateRejected)
		w.reply(ctx, msg.Chat.ID, MessageLoginRejected)
	default:
		w.logger.Info("login token claimed", "telegram_id", msg.From.ID, "username", msg.From.Username)
		w.recorder.BotUpdate(UpdateClaimed)
		w.reply(ctx, msg.Chat.ID, MessageLoginConfirmed)
	}
}

func (w *Worker) reply(ctx context.Context, chatID int64, text string) {
	if err := w.api.SendMessage(ctx, chatID, text); err != nil {
		w.logger.Warn("failed to send reply", "chat_id", chatID, "error", err)
	}
}

// parseCommand splits "/start@bot payload" into "/start" and "payload".
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	command, payload, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(command, '@'); i >= 0 {
		command = command[:i]
	}
	return strings.ToLower(command), strings.TrimSpace(payload)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
