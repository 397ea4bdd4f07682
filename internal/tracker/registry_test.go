package tracker

import (
	"strings"
	"testing"

	"github.com/sprintbot/sprintbot/internal/config"
)

func TestRegistry(t *testing.T) {
	reg := &Registry{factories: make(map[string]Factory)}

	t.Run("empty registry", func(t *testing.T) {
		if got := reg.List(); len(got) != 0 {
			t.Errorf("List() = %v, want empty", got)
		}
		if got := reg.Get("jira"); got != nil {
			t.Error("Get() returned non-nil for unregistered tracker")
		}
		_, err := reg.New("jira", nil)
		if err == nil {
			t.Error("New() should fail for unregistered tracker")
		}
		if !strings.Contains(err.Error(), "unknown tracker") {
			t.Errorf("error = %q, want unknown tracker", err)
		}
	})

	t.Run("register and retrieve", func(t *testing.T) {
		reg.Register("mock", func(cfg *config.Config) (Tracker, error) { return nil, nil })

		if got := reg.Get("mock"); got == nil {
			t.Error("Get() returned nil for registered tracker")
		}
		if got := reg.Get("missing"); got != nil {
			t.Error("Get() returned non-nil for unregistered tracker")
		}
		if !reg.IsRegistered("mock") {
			t.Error("IsRegistered() = false for registered tracker")
		}
	})

	t.Run("list returns sorted names", func(t *testing.T) {
		reg.Register("zebra", func(cfg *config.Config) (Tracker, error) { return nil, nil })
		reg.Register("alpha", func(cfg *config.Config) (Tracker, error) { return nil, nil })

		got := reg.List()
		if len(got) < 3 {
			t.Fatalf("List() returned %d items, want at least 3", len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				t.Errorf("List() not sorted: %v", got)
				break
			}
		}
	})

	t.Run("new passes config to the factory", func(t *testing.T) {
		var seen *config.Config
		reg.Register("counter", func(cfg *config.Config) (Tracker, error) {
			seen = cfg
			return nil, nil
		})

		cfg := config.DefaultConfig(t.TempDir())
		if _, err := reg.New("counter", cfg); err != nil {
			t.Fatalf("New: %v", err)
		}
		if seen != cfg {
			t.Error("factory did not receive the config handle")
		}
	})

	t.Run("clear empties the registry", func(t *testing.T) {
		reg.Clear()
		if got := reg.List(); len(got) != 0 {
			t.Errorf("List() after Clear = %v, want empty", got)
		}
	})
}
