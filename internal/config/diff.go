package config

import (
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or SMTP passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Alerts != newCfg.Logging.Alerts {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	// Dispatcher
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		enabled := true
		if newCfg.Dispatcher.Enabled != nil {
			enabled = *newCfg.Dispatcher.Enabled
		}
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", enabled),
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.Int("dispatcher.default_batch_size", newCfg.Dispatcher.DefaultBatchSize),
			logx.Int("dispatcher.rate_per_sec", newCfg.Dispatcher.RatePerSec),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Templates
	if oldCfg.Templates != newCfg.Templates {
		changed = append(changed, "templates")
		attrs = append(attrs,
			logx.String("templates.default_language", strings.TrimSpace(newCfg.Templates.DefaultLanguage)),
		)
	}

	// Storage
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			)
		} else {
			attrs = append(attrs, logx.String("storage.driver", "none"))
		}
	}

	// Cache
	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		if newCfg.Cache != nil {
			attrs = append(attrs,
				logx.Bool("cache.enabled", newCfg.Cache.Enabled),
				logx.String("cache.addr", strings.TrimSpace(newCfg.Cache.Addr)),
			)
		}
	}

	// Providers (never log API keys/passwords)
	if !reflect.DeepEqual(oldCfg.Providers, newCfg.Providers) {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Bool("providers.email_configured", strings.TrimSpace(newCfg.Providers.Email.Host) != ""),
			logx.Bool("providers.sms_configured", strings.TrimSpace(newCfg.Providers.SMS.GatewayURL) != ""),
			logx.Int("providers.push_min_token_len", newCfg.Providers.Push.MinTokenLength),
			logx.Int("providers.inapp_max_per_user", newCfg.Providers.InApp.MaxPerUser),
		)
	}

	// HTTP (never log token)
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.AllowInsecure != newCfg.HTTP.AllowInsecure ||
		strings.TrimSpace(oldCfg.HTTP.ReadTimeout) != strings.TrimSpace(newCfg.HTTP.ReadTimeout) ||
		strings.TrimSpace(oldCfg.HTTP.WriteTimeout) != strings.TrimSpace(newCfg.HTTP.WriteTimeout) ||
		strings.TrimSpace(oldCfg.HTTP.IdleTimeout) != strings.TrimSpace(newCfg.HTTP.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.HTTP.Token) != "") != (strings.TrimSpace(newCfg.HTTP.Token) != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	// Pprof (never log token)
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		enabled, addr := false, ""
		if newCfg.Pprof != nil {
			enabled = newCfg.Pprof.Enabled
			addr = strings.TrimSpace(newCfg.Pprof.Addr)
		}
		attrs = append(attrs,
			logx.Bool("pprof.enabled", enabled),
			logx.String("pprof.addr", addr),
		)
	}

	return changed, attrs
}
