package app

import (
	"fmt"
	"strings"

	"postq/internal/adapter"
	"postq/internal/adapter/telegram"
	"postq/internal/adapter/webhook"
	"postq/internal/config"
	"postq/internal/dispatch"
	"postq/internal/scheduler"
	"postq/internal/store"
	logx "postq/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storeConfig(cfg *config.Config) store.Config {
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}

	poll, err := config.ParseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	lookahead, err := config.ParseDurationField("scheduler.lookahead", sc.Lookahead)
	if err != nil {
		return scheduler.Config{}, err
	}
	stale, err := config.ParseDurationField("scheduler.stale_after", sc.StaleAfter)
	if err != nil {
		return scheduler.Config{}, err
	}
	base, err := config.ParseDurationField("scheduler.retry.base", sc.Retry.Base)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.retry.max_delay", sc.Retry.MaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxElapsed, err := config.ParseDurationField("scheduler.retry.max_elapsed", sc.Retry.MaxElapsed)
	if err != nil {
		return scheduler.Config{}, err
	}

	return scheduler.Config{
		Enabled:      enabled,
		PollInterval: poll,
		Workers:      sc.Workers,
		QueueSize:    sc.QueueSize,
		DueBatch:     sc.DueBatch,
		Lookahead:    lookahead,
		StaleAfter:   stale,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: sc.Retry.MaxAttempts,
			Base:        base,
			MaxDelay:    maxDelay,
			MaxElapsed:  maxElapsed,
			Jitter:      sc.Retry.Jitter,
		},
	}, nil
}

func buildRegistry(cfg *config.Config, log logx.Logger) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	for id, dc := range cfg.Destinations {
		pub, err := buildPublisher(id, dc)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", id, err)
		}
		reg.Register(id, pub, dc.RatePerSec)
		log.Debug("destination registered", logx.String("id", id), logx.String("type", dc.Type))
	}
	return reg, nil
}

func buildPublisher(id string, dc config.DestinationConfig) (adapter.Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(dc.Type)) {
	case "telegram":
		if dc.Telegram == nil {
			return nil, fmt.Errorf("telegram destination needs a telegram block")
		}
		return telegram.New(telegram.Config{
			Token:  dc.Telegram.Token,
			ChatID: dc.Telegram.ChatID,
		})
	case "webhook":
		if dc.Webhook == nil {
			return nil, fmt.Errorf("webhook destination needs a webhook block")
		}
		timeout, err := config.ParseDurationField("destinations."+id+".webhook.timeout", dc.Webhook.Timeout)
		if err != nil {
			return nil, err
		}
		return webhook.New(webhook.Config{
			URL:         dc.Webhook.URL,
			AuthToken:   dc.Webhook.AuthToken,
			Timeout:     timeout,
			ContentType: dc.Webhook.ContentType,
		})
	default:
		return nil, fmt.Errorf("unknown destination type %q", dc.Type)
	}
}
