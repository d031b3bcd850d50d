package config

import (
	"fmt"
	"strings"

	"github.com/soyeahso/tokengate/internal/domain"
)

// ConfigError is a user-facing configuration problem.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// Validate checks the config for problems that would prevent startup.
// It returns all problems found, not just the first.
func Validate(cfg Config) []error {
	var errs []error

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, &ConfigError{Message: fmt.Sprintf("gateway.port %d out of range", cfg.Gateway.Port)})
	}
	switch cfg.Gateway.Bind {
	case "loopback", "lan", "custom":
	default:
		errs = append(errs, &ConfigError{Message: "gateway.bind must be one of loopback, lan, custom"})
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		errs = append(errs, &ConfigError{Message: "gateway.customBindHost required when bind is custom"})
	}

	seen := map[string]string{}
	for name, provider := range cfg.Providers {
		if len(provider.Models) == 0 {
			errs = append(errs, &ConfigError{Message: fmt.Sprintf("provider %q has no models", name)})
		}
		for _, m := range provider.Models {
			if m.ID == "" {
				errs = append(errs, &ConfigError{Message: fmt.Sprintf("provider %q has a model with no id", name)})
				continue
			}
			if prev, dup := seen[m.ID]; dup {
				errs = append(errs, &ConfigError{Message: fmt.Sprintf("model %q defined by both %q and %q", m.ID, prev, name)})
			}
			seen[m.ID] = name

			if len(m.Capabilities) == 0 {
				errs = append(errs, &ConfigError{Message: fmt.Sprintf("model %q has no capabilities", m.ID)})
			}
			for _, c := range m.Capabilities {
				if !domain.Capability(c).Valid() {
					errs = append(errs, &ConfigError{Message: fmt.Sprintf("model %q: unknown capability %q", m.ID, c)})
				}
			}
			switch m.TestStatus {
			case "", "connected", "failed", "untested":
			default:
				errs = append(errs, &ConfigError{Message: fmt.Sprintf("model %q: unknown testStatus %q", m.ID, m.TestStatus)})
			}
		}
	}

	if cfg.Metering.CharsPerToken < 1 {
		errs = append(errs, &ConfigError{Message: "metering.charsPerToken must be >= 1"})
	}
	if cfg.Metering.MaxOutputReserve < 1 {
		errs = append(errs, &ConfigError{Message: "metering.maxOutputReserve must be >= 1"})
	}
	for name, price := range cfg.Metering.FilePrices {
		if !domain.Capability(name).Valid() {
			errs = append(errs, &ConfigError{Message: fmt.Sprintf("metering.filePrices: unknown capability %q", name)})
		}
		if price < 0 {
			errs = append(errs, &ConfigError{Message: fmt.Sprintf("metering.filePrices.%s must be >= 0", name)})
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "silent", "fatal", "error", "warn", "info", "debug", "trace":
	default:
		errs = append(errs, &ConfigError{Message: fmt.Sprintf("unknown logging.level %q", cfg.Logging.Level)})
	}

	return errs
}
