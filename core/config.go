package core

import (
	"fmt"
	"strings"
	"time"
)

type DispatchMode string

const (
	DispatchInline DispatchMode = "inline"
	DispatchAsync  DispatchMode = "async"
	DispatchQueue  DispatchMode = "queue"
	DispatchManual DispatchMode = "manual"
)

type MerchantConfig struct {
	ID   string `koanf:"id" mapstructure:"id"`
	Name string `koanf:"name" mapstructure:"name"`
}

type IntentConfig struct {
	TTL time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type CartConfig struct {
	TTL              time.Duration `koanf:"ttl" mapstructure:"ttl"`
	RefundPeriodDays int           `koanf:"refund_period_days" mapstructure:"refund_period_days"`
	MaxQuantity      int           `koanf:"max_quantity" mapstructure:"max_quantity"`
}

type TaskConfig struct {
	Timeout        time.Duration `koanf:"timeout" mapstructure:"timeout"`
	ReconcileGrace time.Duration `koanf:"reconcile_grace" mapstructure:"reconcile_grace"`
	Dispatch       DispatchMode  `koanf:"dispatch" mapstructure:"dispatch"`
	SweepBatchSize int           `koanf:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Currency    string         `koanf:"currency" mapstructure:"currency"`
	Merchant    MerchantConfig `koanf:"merchant" mapstructure:"merchant"`
	Intent      IntentConfig   `koanf:"intent" mapstructure:"intent"`
	Cart        CartConfig     `koanf:"cart" mapstructure:"cart"`
	Task        TaskConfig     `koanf:"task" mapstructure:"task"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "mandates",
		Currency:    "USD",
		Merchant: MerchantConfig{
			ID:   "consulting-agent-merchant-001",
			Name: "Consulting Agent",
		},
		Intent: IntentConfig{TTL: time.Hour},
		Cart: CartConfig{
			TTL:              time.Hour,
			RefundPeriodDays: 30,
			MaxQuantity:      10,
		},
		Task: TaskConfig{
			Timeout:        2 * time.Minute,
			ReconcileGrace: 15 * time.Minute,
			Dispatch:       DispatchInline,
			SweepBatchSize: 100,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if currency := normalizeCurrency(c.Currency); len(currency) != 3 {
		return fmt.Errorf("core: currency must be a three letter code, got %q", c.Currency)
	}
	if strings.TrimSpace(c.Merchant.ID) == "" {
		return fmt.Errorf("core: merchant.id is required")
	}
	if c.Intent.TTL <= 0 {
		return fmt.Errorf("core: intent.ttl must be positive")
	}
	if c.Cart.TTL <= 0 {
		return fmt.Errorf("core: cart.ttl must be positive")
	}
	if c.Cart.RefundPeriodDays < 0 {
		return fmt.Errorf("core: cart.refund_period_days must not be negative")
	}
	if c.Cart.MaxQuantity < 1 {
		return fmt.Errorf("core: cart.max_quantity must be at least 1")
	}
	if c.Task.Timeout <= 0 {
		return fmt.Errorf("core: task.timeout must be positive")
	}
	if c.Task.ReconcileGrace < c.Task.Timeout {
		return fmt.Errorf("core: task.reconcile_grace must not be shorter than task.timeout")
	}
	switch c.Task.Dispatch {
	case DispatchInline, DispatchAsync, DispatchQueue, DispatchManual:
	default:
		return fmt.Errorf("core: unsupported task.dispatch %q", c.Task.Dispatch)
	}
	if c.Task.SweepBatchSize < 1 {
		return fmt.Errorf("core: task.sweep_batch_size must be at least 1")
	}
	return nil
}
