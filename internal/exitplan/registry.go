// Package exitplan 管理按风险等级划分的退出计划模板：保本、分批止盈
// 与追踪止损的 R 阈值和比例。模板文件支持热更新，改动即生效，
// 但只影响之后开出的仓位。
package exitplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aegis/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Plan 是一个退出计划模板。
type Plan struct {
	ID                string  `mapstructure:"id" yaml:"id"`
	Description       string  `mapstructure:"description" yaml:"description"`
	BreakevenR        float64 `mapstructure:"breakeven_r" yaml:"breakeven_r"`
	TP1R              float64 `mapstructure:"tp1_r" yaml:"tp1_r"`
	TP1Fraction       float64 `mapstructure:"tp1_fraction" yaml:"tp1_fraction"`
	TP2R              float64 `mapstructure:"tp2_r" yaml:"tp2_r"`
	TP2Fraction       float64 `mapstructure:"tp2_fraction" yaml:"tp2_fraction"`
	ChandelierATRMult float64 `mapstructure:"chandelier_atr_mult" yaml:"chandelier_atr_mult"`
}

// FileConfig 映射 exit_plans 文件。
type FileConfig struct {
	ExitPlans map[string]Plan `yaml:"exit_plans"`
}

// Snapshot 是某一时刻的模板集。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Plans    map[string]Plan
}

// ChangeListener 在模板重载成功后触发。
type ChangeListener func(Snapshot)

// Registry 读取模板文件并监听更新。重载失败保留旧模板。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// planSchema 校验单个模板的字段类型与下限，字段间的顺序约束在 Go 侧补充。
const planSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"description": {"type": "string"},
		"breakeven_r": {"type": "number", "exclusiveMinimum": 0},
		"tp1_r": {"type": "number", "exclusiveMinimum": 0},
		"tp1_fraction": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
		"tp2_r": {"type": "number", "exclusiveMinimum": 0},
		"tp2_fraction": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
		"chandelier_atr_mult": {"type": "number", "exclusiveMinimum": 0}
	},
	"required": ["breakeven_r", "tp1_r", "tp1_fraction", "tp2_r", "tp2_fraction", "chandelier_atr_mult"]
}`

var compiledPlanSchema = mustCompileSchema(planSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("plan.json")
}

// NewRegistry 读取模板文件并开启热更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("exit plan registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read exit plan config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("exit plan reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前模板集的副本。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Plan 按风险等级取模板。
func (r *Registry) Plan(riskLevel string) (Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Plans[strings.ToLower(strings.TrimSpace(riskLevel))]
	return p, ok
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readPlanFile(r.path)
	if err != nil {
		return err
	}
	if len(cfg.ExitPlans) == 0 {
		return fmt.Errorf("exit plan file %s contains no plans", r.path)
	}
	plans := make(map[string]Plan, len(cfg.ExitPlans))
	for name, p := range cfg.ExitPlans {
		key := strings.ToLower(strings.TrimSpace(name))
		if p.ID == "" {
			p.ID = key
		}
		if err := validatePlan(key, p); err != nil {
			return err
		}
		plans[key] = p
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Plans:    plans,
	}
	r.mu.Unlock()
	logger.Infof("退出计划模板已加载: %d 个, 来源 %s", len(plans), filepath.Base(r.path))
	return nil
}

func validatePlan(name string, p Plan) error {
	doc := map[string]any{
		"id":                  p.ID,
		"description":         p.Description,
		"breakeven_r":         p.BreakevenR,
		"tp1_r":               p.TP1R,
		"tp1_fraction":        p.TP1Fraction,
		"tp2_r":               p.TP2R,
		"tp2_fraction":        p.TP2Fraction,
		"chandelier_atr_mult": p.ChandelierATRMult,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if err := compiledPlanSchema.Validate(generic); err != nil {
		return fmt.Errorf("exit plan %s 不合法: %w", name, err)
	}
	if p.TP1R <= p.BreakevenR {
		return fmt.Errorf("exit plan %s: tp1_r 需大于 breakeven_r", name)
	}
	if p.TP2R <= p.TP1R {
		return fmt.Errorf("exit plan %s: tp2_r 需大于 tp1_r", name)
	}
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("exit plan listener")
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Plans:    make(map[string]Plan, len(src.Plans)),
	}
	for id, p := range src.Plans {
		dst.Plans[id] = p
	}
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readPlanFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read exit plan config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse exit plan config failed: %w", err)
	}
	return cfg, nil
}
