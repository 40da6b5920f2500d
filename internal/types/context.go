package types

import "strings"

// ExecContext 标识一个相互隔离的执行上下文。每个上下文有独立的
// 风险档案、策略配额视角与持仓集合，互不共享可变状态。
type ExecContext string

const (
	ContextDemo      ExecContext = "demo"
	ContextCEXProxy  ExecContext = "cex_proxy"
	ContextCEXDirect ExecContext = "cex_direct"
	ContextDEX       ExecContext = "dex"
)

// AllContexts 按固定顺序列出全部上下文，遍历时保持确定性。
func AllContexts() []ExecContext {
	return []ExecContext{ContextDemo, ContextCEXProxy, ContextCEXDirect, ContextDEX}
}

func ParseExecContext(raw string) (ExecContext, bool) {
	switch ExecContext(strings.ToLower(strings.TrimSpace(raw))) {
	case ContextDemo:
		return ContextDemo, true
	case ContextCEXProxy:
		return ContextCEXProxy, true
	case ContextCEXDirect:
		return ContextCEXDirect, true
	case ContextDEX:
		return ContextDEX, true
	default:
		return "", false
	}
}
