package binance

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRESTBaseURL = "https://fapi.binance.com"
	defaultHTTPTimeout = 15 * time.Second
)

// Config 是行情源的连接参数，来自 market.sources 配置段。
// 代理只在 ProxyEnabled 时生效，WS 代理缺省复用 REST 代理。
type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string
	WSProxyURL   string
}

// normalize 补齐缺省值并校验代理地址，返回生效的配置。
func (c Config) normalize() (Config, error) {
	c.RESTBaseURL = strings.TrimSpace(c.RESTBaseURL)
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = defaultRESTBaseURL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	c.RESTProxyURL = strings.TrimSpace(c.RESTProxyURL)
	c.WSProxyURL = strings.TrimSpace(c.WSProxyURL)
	if c.ProxyEnabled && c.RESTProxyURL == "" && c.WSProxyURL == "" {
		return c, fmt.Errorf("代理已启用但未配置代理地址")
	}
	for _, proxy := range []string{c.RESTProxyURL, c.WSProxyURL} {
		if proxy == "" {
			continue
		}
		if u, err := url.Parse(proxy); err != nil || u.Scheme == "" {
			return c, fmt.Errorf("代理地址 %q 不合法", proxy)
		}
	}
	return c, nil
}
