package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/docflow/backend/internal/tasktype"
	"github.com/docflow/backend/internal/worker"
)

// minSecretLen is the shortest accepted HS256 signing secret.
const minSecretLen = 32

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validatePolling(); err != nil {
		return err
	}
	if err := c.validatePricing(); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required. Set DATABASE_URL")
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		return errors.New("storage.root must be set")
	}
	if c.Scheduler.IntervalMinutes <= 0 {
		return errors.New("scheduler.interval_minutes must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return errors.New("server.shutdown_timeout_seconds must be positive")
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.New("server.max_upload_mb must be positive")
	}
	return nil
}

func (c *Config) validateAuth() error {
	if len(c.Auth.JWTSecret) < minSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes. Set JWT_SECRET", minSecretLen)
	}
	if c.Auth.TokenTTLHours <= 0 {
		return errors.New("auth.token_ttl_hours must be positive")
	}
	if c.Auth.InitialPoints < 0 {
		return errors.New("auth.initial_points must not be negative")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	for name := range c.Workers {
		if _, err := tasktype.Parse(name); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
	}
	needsWebhook := false
	for _, kind := range tasktype.All() {
		w := c.Workers[string(kind)]
		if w.BaseURL == "" {
			return fmt.Errorf("workers.%s.base_url is required", kind)
		}
		if u, err := url.Parse(w.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("workers.%s.base_url %q is not an absolute URL", kind, w.BaseURL)
		}
		mode, err := worker.ParseMode(w.Mode)
		if err != nil {
			return fmt.Errorf("workers.%s: %w", kind, err)
		}
		if mode == worker.ModeWebhook {
			needsWebhook = true
		}
		if w.RequestTimeoutSeconds < 0 || w.RequestsPerSecond < 0 || w.Burst < 0 {
			return fmt.Errorf("workers.%s: values must not be negative", kind)
		}
	}
	if needsWebhook && c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required when a worker uses webhook mode. Set WEBHOOK_SECRET")
	}
	return nil
}

func (c *Config) validatePolling() error {
	p := c.Polling
	if p.IntervalSeconds <= 0 || p.MaxAttempts <= 0 {
		return errors.New("polling.interval_seconds and polling.max_attempts must be positive")
	}
	if p.Backoff < 1 {
		return errors.New("polling.backoff must be at least 1")
	}
	return nil
}

func (c *Config) validatePricing() error {
	r := c.Pricing
	if r.PDFPerPage <= 0 || r.ImageFlat <= 0 || r.MarkdownPerBlock <= 0 ||
		r.MarkdownBlockBytes <= 0 || r.ImageTranslateFlat <= 0 || r.TranslateSurcharge < 0 {
		return errors.New("pricing rates must be positive")
	}
	return nil
}
