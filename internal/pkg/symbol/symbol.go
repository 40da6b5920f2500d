// Package symbol 统一交易对写法。引擎内部使用交易所格式（BTCUSDT），
// 外部输入可能带分隔符或结算后缀（BTC/USDT、BTC/USDT:USDT）。
package symbol

import "strings"

// Clean 把任意写法转成交易所格式，无法识别时返回空串。
func Clean(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return ""
	}
	return s
}

// Pair 拆出基础币与计价币，识别不了计价币时两者皆空。
func Pair(s string) (base, quote string) {
	clean := Clean(s)
	if clean == "" {
		return "", ""
	}
	quotes := []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}
	for _, q := range quotes {
		if strings.HasSuffix(clean, q) && len(clean) > len(q) {
			return clean[:len(clean)-len(q)], q
		}
	}
	return "", ""
}

// IsValid 报告 s 是否能拆成基础币/计价币。
func IsValid(s string) bool {
	base, quote := Pair(s)
	return base != "" && quote != ""
}

// CleanList 清洗并去重，保持原有顺序，丢弃空项。
func CleanList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		clean := Clean(s)
		if clean == "" {
			continue
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}
