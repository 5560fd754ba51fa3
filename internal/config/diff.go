package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "bugwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (API key, webhook URL,
// Telegram token) are only ever reported as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ob, nb := oldCfg.Bugzilla, newCfg.Bugzilla
	if ob.URL != nb.URL || ob.BaseURL != nb.BaseURL || ob.APIKey != nb.APIKey ||
		ob.Timeout != nb.Timeout || ob.LastChangeTime != nb.LastChangeTime ||
		ob.InitialLookback != nb.InitialLookback || ob.QueryWindow != nb.QueryWindow {
		changed = append(changed, "bugzilla")
		attrs = append(attrs,
			logx.String("bugzilla.url", nb.URL),
			logx.Bool("bugzilla.api_key_set", strings.TrimSpace(nb.APIKey) != ""),
			logx.String("bugzilla.timeout", nb.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.Strs("filter.statuses", newCfg.Filter.Statuses),
			logx.Strs("filter.products", newCfg.Filter.Products),
			logx.Bool("filter.email_set", strings.TrimSpace(newCfg.Filter.Email) != ""),
		)
	}

	on, nn := oldCfg.Notify, newCfg.Notify
	if on.Driver != nn.Driver || on.WebhookURL != nn.WebhookURL || on.RatePerSec != nn.RatePerSec ||
		on.Timeout != nn.Timeout || on.Telegram != nn.Telegram {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.driver", nn.Driver),
			logx.Bool("notify.webhook_set", strings.TrimSpace(nn.WebhookURL) != ""),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(nn.Telegram.Token) != ""),
			logx.Int("notify.rate_per_sec", nn.RatePerSec),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Int("schedule.interval_minutes", newCfg.Schedule.IntervalMinutes),
			logx.String("schedule.spec", newCfg.Schedule.Spec),
			logx.String("schedule.digest", newCfg.Schedule.Digest),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}

	if oldCfg.State != newCfg.State {
		changed = append(changed, "state")
		attrs = append(attrs,
			logx.String("state.driver", newCfg.State.Driver),
			logx.String("state.path", newCfg.State.Path),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_set", strings.TrimSpace(newCfg.Logging.File) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// hashConfig returns a stable 64-bit hash of the config content. Nil returns 0.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
