// Package notifier 把需要人工关注的引擎事件(执行失败、熔断、停止托管)
// 推送到外部渠道，当前实现 Telegram Bot API。
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"aegis/internal/logger"
)

// TextNotifier 是引擎依赖的最小通知面，测试与关闭通知时用 nil 或桩替换。
type TextNotifier interface {
	SendText(text string) error
}

const (
	defaultAPIBase = "https://api.telegram.org"
	maxSendRetries = 3
)

// Telegram 通过 Bot API 推送 Markdown 文本。
type Telegram struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: strings.TrimSpace(botToken),
		chatID:   strings.TrimSpace(chatID),
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SendText 推送一条 Markdown 文本，失败时指数退避重试。
// 通知是尽力而为：重试耗尽只返回错误，不影响决策主流程。
func (t *Telegram) SendText(text string) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram 缺少 bot_token 或 chat_id")
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("编码 telegram 消息失败: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	bo := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= maxSendRetries; attempt++ {
		lastErr = t.post(endpoint, payload)
		if lastErr == nil {
			return nil
		}
		if attempt < maxSendRetries {
			d := bo.Duration()
			logger.Warnf("telegram 推送失败(第 %d 次): %v, %s 后重试", attempt, lastErr, d)
			time.Sleep(d)
		}
	}
	return lastErr
}

func (t *Telegram) post(endpoint string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram 返回 status=%d", resp.StatusCode)
	}
	return nil
}
