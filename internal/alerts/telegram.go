package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"fundfeed/internal/config"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const telegramBaseURL = "https://api.telegram.org"

// Notifier delivers operator-facing alerts.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Telegram struct {
	enabled   bool
	token     string
	chatID    string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	throttled atomic.Uint64
	log       *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// Throttled reports how many messages were dropped by the rate limit.
func (t *Telegram) Throttled() uint64 {
	return t.throttled.Load()
}

// Send posts message to the configured chat. Messages over the rate limit are dropped without
// error.
func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	if !t.limiter.Allow() {
		if t.throttled.Add(1)%10 == 1 {
			t.log.Warn("telegram alerts throttled", zap.Uint64("dropped", t.throttled.Load()))
		}
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}
