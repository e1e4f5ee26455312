// Package config содержит логику чтения конфигурации движка заказов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации движка заказов.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	PaymentGatewayAddress string `env:"PAYMENT_GATEWAY_ADDRESS"`
	CatalogAddress        string `env:"CATALOG_ADDRESS"`
	InvoiceAddress        string `env:"INVOICE_RENDERER_ADDRESS"`
	AuthSecret            string `env:"AUTH_SECRET"`
	WebhookSecret         string `env:"WEBHOOK_SECRET"`
	TaxRateBP             int64  `env:"TAX_RATE_BP"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.PaymentGatewayAddress
	envCatalogAddress := cfg.CatalogAddress
	envInvoiceAddress := cfg.InvoiceAddress
	envTaxRate := cfg.TaxRateBP

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentGatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "catalog address")
	flag.StringVar(&cfg.InvoiceAddress, "i", "", "invoice renderer address")
	flag.Int64Var(&cfg.TaxRateBP, "t", 0, "tax rate in basis points")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.PaymentGatewayAddress = envGatewayAddress
	}
	if envCatalogAddress != "" {
		cfg.CatalogAddress = envCatalogAddress
	}
	if envInvoiceAddress != "" {
		cfg.InvoiceAddress = envInvoiceAddress
	}
	if envTaxRate != 0 {
		cfg.TaxRateBP = envTaxRate
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.TaxRateBP == 0 {
		cfg.TaxRateBP = 1800
	}

	return cfg, nil
}
