package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
account:
  risk_level: medium
  strategy: technical
  investment_amount: 10000
contexts:
  - name: demo
    enabled: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Risk.BaseThreshold)
	assert.Equal(t, 20, cfg.Risk.CooldownVolatileMinutes)
	assert.Equal(t, 15, cfg.Risk.CooldownDefaultMinutes)
	assert.Equal(t, 0.85, cfg.Risk.CooldownBypassConfidence)
	assert.Equal(t, 1.0, cfg.Lifecycle.BreakevenR)
	assert.Equal(t, 1.5, cfg.Lifecycle.TP1R)
	assert.Equal(t, 2.5, cfg.Lifecycle.TP2R)
	assert.Equal(t, 0.5, cfg.Lifecycle.TP1Fraction)
	assert.Equal(t, 0.1, cfg.Allocator.MinWeight)

	// 未显式给出 equity 时继承账户投资额，敞口上限缺省等于初始资金。
	require.Len(t, cfg.Contexts, 1)
	assert.Equal(t, 10000.0, cfg.Contexts[0].InitialEquity)
	assert.Equal(t, 10000.0, cfg.Contexts[0].ExposureLimit)
}

func TestLoadRejectsInvalidAccount(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "bad risk level",
			yaml: `
account:
  risk_level: yolo
  strategy: technical
  investment_amount: 1000
`,
			wantErr: "account.risk_level",
		},
		{
			name: "bad strategy",
			yaml: `
account:
  risk_level: medium
  strategy: astrology
  investment_amount: 1000
`,
			wantErr: "account.strategy",
		},
		{
			name: "non-positive investment",
			yaml: `
account:
  risk_level: medium
  strategy: technical
  investment_amount: 0
`,
			wantErr: "account.investment_amount",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfigFile(t, dir, "config.yaml", tc.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
risk:
  base_threshold: 0.7
  cooldown_default_minutes: 10
`)
	path := writeConfigFile(t, dir, "config.yaml", `
include:
  - base.yaml
account:
  risk_level: aggressive
  strategy: advanced
  investment_amount: 5000
contexts:
  - name: demo
    enabled: true
risk:
  base_threshold: 0.8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// 主文件覆盖 include，未覆盖的键保留 include 的值。
	assert.Equal(t, 0.8, cfg.Risk.BaseThreshold)
	assert.Equal(t, 10, cfg.Risk.CooldownDefaultMinutes)
}

func TestLoadRejectsNonMonotoneSteps(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
account:
  risk_level: medium
  strategy: technical
  investment_amount: 1000
contexts:
  - name: demo
    enabled: true
risk:
  drawdown_steps:
    - {min: 0.2, add: 0.1}
    - {min: 0.1, add: 0.05}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drawdown_steps")
}

func TestLoadRejectsDuplicateContexts(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
account:
  risk_level: medium
  strategy: technical
  investment_amount: 1000
contexts:
  - name: demo
    enabled: true
  - name: demo
    enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate context name")
}
