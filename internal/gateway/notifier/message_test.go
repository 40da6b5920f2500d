package notifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderMarkdownStructure(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "⚠️",
		Title: "开仓执行失败",
		Sections: []MessageSection{{
			Lines: []string{
				"上下文: demo",
				"交易对: BTCUSDT",
			},
		}},
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	out := msg.RenderMarkdown()
	assert.Contains(t, out, "*⚠️ 开仓执行失败*")
	assert.Contains(t, out, "• 上下文: demo")
	assert.Contains(t, out, "• 交易对: BTCUSDT")
	assert.Contains(t, out, "时间: 2026-08-01 12:00:00 UTC")
}

func TestRenderMarkdownEscapesSpecials(t *testing.T) {
	msg := StructuredMessage{
		Title: "事件",
		Sections: []MessageSection{{
			Title: "detail_section",
			Lines: []string{"错误: dial_timeout after *3* tries"},
		}},
	}

	out := msg.RenderMarkdown()
	assert.Contains(t, out, `dial\_timeout`)
	assert.Contains(t, out, `\*3\*`)
	assert.Contains(t, out, `_detail\_section_`)
}

func TestRenderMarkdownSkipsEmptySections(t *testing.T) {
	msg := StructuredMessage{
		Title: "事件",
		Sections: []MessageSection{
			{Title: "空段落", Lines: []string{"  ", ""}},
			{Lines: []string{"有内容"}},
		},
	}

	out := msg.RenderMarkdown()
	assert.NotContains(t, out, "空段落")
	assert.Contains(t, out, "• 有内容")
}

func TestRenderMarkdownTruncatesLongBody(t *testing.T) {
	msg := StructuredMessage{
		Title:    "事件",
		Sections: []MessageSection{{Lines: []string{strings.Repeat("x", 5000)}}},
	}

	out := msg.RenderMarkdown()
	assert.LessOrEqual(t, len(out), maxRenderedLen+3)
	assert.True(t, strings.HasSuffix(out, "..."))
}
