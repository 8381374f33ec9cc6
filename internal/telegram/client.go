// Package telegram is the operator channel: outbound notifications and a long-poll
// listener that hands slash commands to a handler.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"convexity_trading/internal/logger"
)

const defaultBaseURL = "https://api.telegram.org"

// Bot talks to one authorized chat.
type Bot struct {
	token   string
	chatID  int64
	baseURL string
	client  *http.Client
}

// New returns nil when credentials are missing; a nil *Bot drops every message.
func New(token, chatID string) *Bot {
	if token == "" || chatID == "" {
		log.Println("Warning: Telegram credentials missing, notifications disabled")
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		log.Printf("Warning: TELEGRAM_CHAT_ID %q is not numeric, notifications disabled", chatID)
		return nil
	}
	return &Bot{token: token, chatID: id, baseURL: defaultBaseURL, client: &http.Client{Timeout: 75 * time.Second}}
}

func (b *Bot) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
}

// Button is an inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Notify sends a Markdown message to the configured chat.
func (b *Bot) Notify(text string) {
	if b == nil {
		return
	}
	logger.Debugf("[DEBUG] Telegram Notify: %s", text)
	if err := b.send(context.Background(), text, nil); err != nil {
		log.Printf("Telegram Alert Failed: %v", err)
	}
}

// PromptConfirm sends text with Confirm / Reject buttons for orderID.
func (b *Bot) PromptConfirm(orderID, text string) {
	if b == nil {
		return
	}
	buttons := []Button{
		{Text: "✅ Confirm", CallbackData: "/confirm " + orderID},
		{Text: "❌ Reject", CallbackData: "/reject " + orderID},
	}
	if err := b.send(context.Background(), text, buttons); err != nil {
		log.Printf("Telegram Error: %v", err)
	}
}

func (b *Bot) send(ctx context.Context, text string, buttons []Button) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if len(buttons) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": [][]Button{buttons}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API status %s", resp.Status)
	}
	return nil
}
