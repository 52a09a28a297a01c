package app

import (
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"order-engine/internal/config"
	"order-engine/internal/exchange"
)

// newExchangeAdapter 根据配置构建 ccxt 客户端并包装为 Adapter。
func newExchangeAdapter(cfg config.ExchangeConfig, logger *zap.Logger) (exchange.Adapter, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}
	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}

	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		client := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			client.SetSandboxMode(true)
		}
		return exchange.NewCCXTAdapter(client, logger), nil
	case "hyperliquid":
		client := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			client.SetSandboxMode(true)
		}
		return exchange.NewCCXTAdapter(client, logger), nil
	default:
		return nil, fmt.Errorf("app: 不支持的交易所 %q", cfg.Name)
	}
}
