package enginehttp

import (
	"fmt"
	"strings"
	"time"

	"aegis/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// signalSchema 在字段宽容提取之后做范围校验。推理端的数值字段经常
// 以字符串形式出现，先用 gjson 归一再过 schema。
const signalSchema = `{
	"type": "object",
	"properties": {
		"symbol": {"type": "string", "minLength": 1},
		"side": {"type": "string", "enum": ["long", "short"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"strategy_id": {"type": "string", "minLength": 1},
		"price": {"type": "number", "exclusiveMinimum": 0},
		"stop_price": {"type": "number", "minimum": 0},
		"atr": {"type": "number", "minimum": 0}
	},
	"required": ["symbol", "side", "confidence", "strategy_id", "price"]
}`

var compiledSignalSchema = mustCompileSchema(signalSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("signal.json")
}

// parseSignal 宽容解析信号载荷：数值字段接受字符串形式，
// regime 接受别名，timestamp 接受 RFC3339 或毫秒时间戳。
func parseSignal(body []byte) (types.Signal, error) {
	if !gjson.ValidBytes(body) {
		return types.Signal{}, fmt.Errorf("信号载荷不是合法 JSON")
	}
	root := gjson.ParseBytes(body)

	doc := map[string]any{
		"symbol":      strings.ToUpper(strings.TrimSpace(root.Get("symbol").String())),
		"side":        strings.ToLower(strings.TrimSpace(root.Get("side").String())),
		"confidence":  root.Get("confidence").Float(),
		"strategy_id": strings.TrimSpace(root.Get("strategy_id").String()),
		"price":       root.Get("price").Float(),
		"stop_price":  root.Get("stop_price").Float(),
		"atr":         root.Get("atr").Float(),
	}
	if err := compiledSignalSchema.Validate(doc); err != nil {
		return types.Signal{}, fmt.Errorf("信号载荷不合法: %w", err)
	}

	ts := time.Now()
	if raw := root.Get("timestamp"); raw.Exists() {
		switch {
		case raw.Type == gjson.String:
			if parsed, err := time.Parse(time.RFC3339, raw.String()); err == nil {
				ts = parsed
			}
		case raw.Type == gjson.Number:
			ts = time.UnixMilli(raw.Int())
		}
	}

	return types.Signal{
		Symbol:     doc["symbol"].(string),
		Side:       types.Side(doc["side"].(string)),
		Confidence: doc["confidence"].(float64),
		Regime:     types.NormalizeRegime(root.Get("regime").String()),
		StrategyID: doc["strategy_id"].(string),
		Price:      doc["price"].(float64),
		StopPrice:  doc["stop_price"].(float64),
		ATR:        doc["atr"].(float64),
		Timestamp:  ts,
	}, nil
}
