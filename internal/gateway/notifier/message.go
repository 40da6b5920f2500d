package notifier

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Telegram 单条消息上限 4096 字符，留余量给截断标记。
const maxRenderedLen = 3900

// MessageSection 是一段相关字段，Title 可空。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 是引擎事件的统一推送格式：图标加标题做首行，
// 字段按段落逐行列出，末尾带事件时间。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 渲染为 Telegram Markdown，超长时截断。
func (m StructuredMessage) RenderMarkdown() string {
	var parts []string
	header := strings.TrimSpace(strings.TrimSpace(m.Icon) + " " + strings.TrimSpace(m.Title))
	if header != "" {
		parts = append(parts, "*"+escapeMarkdown(header)+"*")
	}
	for _, sec := range m.Sections {
		if block := sec.render(); block != "" {
			parts = append(parts, block)
		}
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		parts = append(parts, escapeMarkdown(footer))
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, "时间: "+m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return truncate(strings.Join(parts, "\n\n"), maxRenderedLen)
}

func (s MessageSection) render() string {
	body := make([]string, 0, len(s.Lines)+1)
	for _, line := range s.Lines {
		if text := strings.TrimSpace(line); text != "" {
			body = append(body, "• "+escapeMarkdown(text))
		}
	}
	// 只有标题没有内容的段落整体略去。
	if len(body) == 0 {
		return ""
	}
	if title := strings.TrimSpace(s.Title); title != "" {
		body = append([]string{"_" + escapeMarkdown(title) + "_"}, body...)
	}
	return strings.Join(body, "\n")
}

// 行内容里的错误串可能带下划线或星号，转义掉避免打断 Markdown 解析。
var markdownEscaper = strings.NewReplacer(
	"*", `\*`,
	"_", `\_`,
	"`", "'",
	"[", "(",
	"]", ")",
)

func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	// 不在多字节字符中间截断。
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
