// Package notify pushes soon-event alerts out of process.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appLog "upnext/internal/log"
	"upnext/internal/model"
	"upnext/internal/timefmt"
)

const queueSize = 8

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends a chat message whenever an event becomes soon.
//
// NotifySoon never blocks the caller: messages go through a small queue
// drained by Run, and are dropped when the queue is full.
type Telegram struct {
	api    sender
	chatID int64
	queue  chan string

	mu      sync.Mutex
	dropped int
}

// NewTelegram authorizes against the bot API with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram: chat_id is not set")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	appLog.Info("telegram notifier authorized", "bot", api.Self.UserName, "chat_id", chatID)
	return newTelegram(api, chatID), nil
}

func newTelegram(api sender, chatID int64) *Telegram {
	return &Telegram{
		api:    api,
		chatID: chatID,
		queue:  make(chan string, queueSize),
	}
}

// NotifySoon queues an alert for e.
func (t *Telegram) NotifySoon(e model.Event) {
	select {
	case t.queue <- Message(e):
	default:
		t.mu.Lock()
		t.dropped++
		n := t.dropped
		t.mu.Unlock()
		appLog.Error("telegram: queue full; dropping alert", nil, "id", e.ID, "dropped_total", n)
	}
}

// Run sends queued messages until ctx is done.
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			msg := tgbotapi.NewMessage(t.chatID, text)
			if _, err := t.api.Send(msg); err != nil {
				appLog.Error("telegram: send failed", err, "chat_id", t.chatID)
				continue
			}
			appLog.Debug("telegram: alert sent", "chat_id", t.chatID)
		}
	}
}

// Message renders the alert text for e.
func Message(e model.Event) string {
	title := e.Title
	if title == "" {
		title = "Untitled event"
	}
	return fmt.Sprintf("%s is starting soon (%s)", title, timefmt.Format(e.Remaining, timefmt.Relative))
}
