package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fundfeed/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	client := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" || gotPayload["text"] != "hello" {
		t.Fatalf("unexpected payload %v", gotPayload)
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestTelegramRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123", MinInterval: time.Hour}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	for i := 0; i < 3; i++ {
		if err := client.Send(context.Background(), "hello"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one delivered message, got %d", got)
	}
	if got := client.Throttled(); got != 2 {
		t.Fatalf("expected two throttled messages, got %d", got)
	}
}

func TestMessages(t *testing.T) {
	msg := OperatorsChanged([]common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")})
	if !strings.Contains(msg, "operator set changed (2)") || !strings.Contains(msg, "2. 0x0000000000000000000000000000000000000002") {
		t.Fatalf("unexpected operators message:\n%s", msg)
	}
	if got := OperatorsChanged(nil); !strings.Contains(got, "empty") {
		t.Fatalf("unexpected empty operators message %q", got)
	}
	round := RoundFailed(4, map[string]int{"WBTC": 0, "MLN": 1}, 2)
	if !strings.Contains(round, "update 4") || strings.Index(round, "MLN: 1") > strings.Index(round, "WBTC: 0") {
		t.Fatalf("unexpected round message:\n%s", round)
	}
}
