package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
)

// keyRule describes what a known key accepts. Keys without a rule are stored
// as given.
type keyRule struct {
	kind  valueKind
	min   int
	check func(string) error
}

var logLevels = []string{"debug", "info", "warn", "error"}

var keyRules = map[string]keyRule{
	"data_dir":                      {kind: kindString, check: nonEmpty},
	"log_level":                     {kind: kindString, check: oneOf(logLevels)},
	"max_concurrent":                {kind: kindInt, min: 1},
	"stream.stream_url":             {kind: kindString, check: httpURL},
	"stream.fallback_url":           {kind: kindString, check: httpURL},
	"stream.max_reconnect_attempts": {kind: kindInt, min: 0},
	"stream.reconnect_delay_ms":     {kind: kindInt, min: 1},
	"stream.max_reconnect_delay_ms": {kind: kindInt, min: 0},
	"stream.enable_fallback":        {kind: kindBool},
	"stream.fallback_timeout_ms":    {kind: kindInt, min: 1},
	"auth.token":                    {kind: kindString},
	"customer.id":                   {kind: kindString},
	"metrics.listen":                {kind: kindString, check: listenAddr},
}

// parseValue converts the command-line form of value for key. Known keys are
// parsed by their kind; unknown keys are decoded as JSON when possible and
// kept as a string otherwise.
func parseValue(key, value string) (any, error) {
	rule, ok := keyRules[key]
	if !ok {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return value, nil
		}
		return v, nil
	}

	switch rule.kind {
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%s: expected an integer, got %q", key, value)
		}
		if n < rule.min {
			return nil, fmt.Errorf("%s: must be at least %d, got %d", key, rule.min, n)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s: expected true or false, got %q", key, value)
		}
		return b, nil
	default:
		if rule.check != nil {
			if err := rule.check(value); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
		return value, nil
	}
}

// Validate reports every setting of cfg that the client cannot run with.
func Validate(cfg *Config) error {
	var errs []error
	for key, raw := range mustFlat(cfg) {
		rule, ok := keyRules[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			if rule.kind == kindInt && int(v) < rule.min {
				errs = append(errs, fmt.Errorf("%s: must be at least %d, got %d", key, rule.min, int(v)))
			}
		case string:
			if rule.check != nil {
				if err := rule.check(v); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
				}
			}
		}
	}

	s := cfg.Stream
	if s.MaxReconnectDelayMS > 0 && s.MaxReconnectDelayMS < s.ReconnectDelayMS {
		errs = append(errs, fmt.Errorf("stream.max_reconnect_delay_ms: %d is below stream.reconnect_delay_ms %d",
			s.MaxReconnectDelayMS, s.ReconnectDelayMS))
	}
	slices.SortFunc(errs, func(a, b error) int {
		return strings.Compare(a.Error(), b.Error())
	})
	return errors.Join(errs...)
}

func mustFlat(cfg *Config) map[string]any {
	m, err := ToMap(cfg)
	if err != nil {
		return nil
	}
	return Flatten(m)
}

func nonEmpty(s string) error {
	if s == "" {
		return errors.New("must not be empty")
	}
	return nil
}

func oneOf(allowed []string) func(string) error {
	return func(s string) error {
		if !slices.Contains(allowed, s) {
			return fmt.Errorf("must be one of %v, got %q", allowed, s)
		}
		return nil
	}
}

func httpURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("expected an http(s) url, got %q", s)
	}
	return nil
}

// listenAddr accepts an empty value, which disables the metrics server.
func listenAddr(s string) error {
	if s == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port, got %q", s)
	}
	return nil
}
