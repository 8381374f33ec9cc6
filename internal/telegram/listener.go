package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Update is the part of a Telegram update the listener reads.
type Update struct {
	UpdateID int `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			Username string `json:"username"`
		} `json:"from"`
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

type updateResponse struct {
	Ok          bool     `json:"ok"`
	Result      []Update `json:"result"`
	Description string   `json:"description"`
	ErrorCode   int      `json:"error_code"`
}

// CommandHandler answers one slash command. from identifies the operator.
type CommandHandler func(ctx context.Context, from, command string) string

// Listen long-polls for commands until ctx is done. Messages from other chats are
// logged and ignored.
func (b *Bot) Listen(ctx context.Context, handler CommandHandler) {
	if b == nil {
		log.Println("Telegram Listener: Credentials missing, disabled.")
		return
	}
	log.Println("Telegram Listener: Started")
	offset := 0
	for ctx.Err() == nil {
		updates, err := b.getUpdates(ctx, offset, 60)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Telegram Listener Error: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			b.dispatch(ctx, u, handler)
		}
	}
	log.Println("Telegram Listener: Stopped")
}

func (b *Bot) dispatch(ctx context.Context, u Update, handler CommandHandler) {
	var chatID int64
	var from, text string
	switch {
	case u.Message != nil:
		chatID, from, text = u.Message.Chat.ID, u.Message.From.Username, u.Message.Text
	case u.CallbackQuery != nil:
		chatID, from, text = u.CallbackQuery.Message.Chat.ID, u.CallbackQuery.From.Username, u.CallbackQuery.Data
		b.answerCallback(ctx, u.CallbackQuery.ID)
	default:
		return
	}

	if chatID != b.chatID {
		log.Printf("⚠️ UNAUTHORIZED ACCESS ATTEMPT: User %s (ID: %d) tried: %s", from, chatID, text)
		return
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	log.Printf("Command received from %s: %s", from, text)
	if reply := handler(ctx, "telegram:"+from, text); reply != "" {
		b.Notify(reply)
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset, timeoutSecs int) ([]Update, error) {
	url := fmt.Sprintf("%s?offset=%d&timeout=%d", b.endpoint("getUpdates"), offset, timeoutSecs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result updateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	if !result.Ok {
		return nil, fmt.Errorf("telegram API error: %s (code %d)", result.Description, result.ErrorCode)
	}
	return result.Result, nil
}

func (b *Bot) answerCallback(ctx context.Context, id string) {
	url := fmt.Sprintf("%s?callback_query_id=%s", b.endpoint("answerCallbackQuery"), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := b.client.Do(req)
	if err != nil {
		log.Printf("Telegram answerCallbackQuery failed: %v", err)
		return
	}
	resp.Body.Close()
}
