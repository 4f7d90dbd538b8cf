package natsclient

import (
	"fmt"
	"strings"

	"github.com/c360/controlbus/config"
)

// FromConfig builds a Client from the broker section of the bus
// configuration. Later options override the values taken from cfg.
func FromConfig(cfg config.BrokerConfig, opts ...ClientOption) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("broker config has no urls")
	}

	fromCfg := make([]ClientOption, 0, 8)
	if cfg.Name != "" {
		fromCfg = append(fromCfg, WithName(cfg.Name))
	}
	if cfg.Username != "" && cfg.Password != "" {
		fromCfg = append(fromCfg, WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		fromCfg = append(fromCfg, WithToken(cfg.Token))
	}
	if cfg.MaxReconnects != 0 {
		fromCfg = append(fromCfg, WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		fromCfg = append(fromCfg, WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ConnectTimeout > 0 {
		fromCfg = append(fromCfg, WithTimeout(cfg.ConnectTimeout))
	}
	if cfg.TLS.Enabled {
		fromCfg = append(fromCfg, WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	return NewClient(strings.Join(cfg.URLs, ","), append(fromCfg, opts...)...)
}
