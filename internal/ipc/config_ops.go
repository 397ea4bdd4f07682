package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sprintbot/sprintbot/internal/utils"
)

// normalizeConfigValue checks a set_config key against the allowlist of
// mutable config.toml keys and coerces its JSON value into the type the
// config loader expects. Anything not listed here needs a hand edit.
func normalizeConfigValue(key string, val any) (any, error) {
	switch key {
	case "working_hours.start_hour", "working_hours.end_hour":
		return wantInt(key, val, 0, 23)
	case "working_hours.start_minute", "working_hours.end_minute":
		return wantInt(key, val, 0, 59)
	case "working_hours.weekdays_only":
		return wantBool(key, val)
	case "working_hours.timezone":
		tz, err := wantString(key, val)
		if err != nil {
			return nil, err
		}
		if tz != "" && tz != "Local" {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("%s: unknown timezone %q", key, tz)
			}
		}
		return tz, nil
	case "intervals.check_seconds":
		return wantInt(key, val, 10, 86400)
	case "intervals.tracker_refresh_seconds", "intervals.review_check_seconds":
		return wantInt(key, val, 60, 7*86400)
	case "intervals.skip_blocked_after_minutes":
		return wantInt(key, val, 1, 7*24*60)
	case "agent.bin":
		return wantString(key, val)
	case "agent.timeout_seconds":
		return wantInt(key, val, 30, 86400)
	case "tracker.project", "tracker.component", "tracker.user", "tracker.display_name":
		return wantString(key, val)
	case "statuses.actionable", "statuses.review":
		return wantStringList(key, val)
	default:
		return nil, fmt.Errorf("config key %q is not settable over the bus", key)
	}
}

func wantInt(key string, val any, min, max int64) (int64, error) {
	var n int64
	switch v := val.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s: expected integer, got %v", key, v)
		}
		n = int64(v)
	case int:
		n = int64(v)
	case int64:
		n = v
	default:
		return 0, fmt.Errorf("%s: expected integer, got %T", key, val)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s: %d out of range [%d, %d]", key, n, min, max)
	}
	return n, nil
}

func wantBool(key string, val any) (bool, error) {
	b, isBool := val.(bool)
	if !isBool {
		return false, fmt.Errorf("%s: expected boolean, got %T", key, val)
	}
	return b, nil
}

func wantString(key string, val any) (string, error) {
	s, isString := val.(string)
	if !isString {
		return "", fmt.Errorf("%s: expected string, got %T", key, val)
	}
	return strings.TrimSpace(s), nil
}

func wantStringList(key string, val any) ([]string, error) {
	items, isList := val.([]any)
	if !isList {
		return nil, fmt.Errorf("%s: expected list of strings, got %T", key, val)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: list must not be empty", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, isString := item.(string)
		if !isString {
			return nil, fmt.Errorf("%s: expected list of strings, got %T element", key, item)
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out, nil
}

// persistConfig folds normalized key/value pairs into config.toml, keeping
// whatever else the file already holds.
func (s *Server) persistConfig(values map[string]any) error {
	path := s.deps.Config().ConfigPath()

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse existing config.toml: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read config.toml: %w", err)
	}

	for key, val := range values {
		setDotted(doc, key, val)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode config.toml: %w", err)
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config.toml: %w", err)
	}
	return nil
}

// setDotted writes val at a dotted key path, creating intermediate tables.
func setDotted(doc map[string]any, key string, val any) {
	head, rest, nested := strings.Cut(key, ".")
	if !nested {
		doc[key] = val
		return
	}
	sub, isTable := doc[head].(map[string]any)
	if !isTable {
		sub = map[string]any{}
		doc[head] = sub
	}
	setDotted(sub, rest, val)
}
