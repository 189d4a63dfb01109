package config

import (
	"testing"
	"time"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	base := &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Alerts: AlertsConfig{ErrorRateWarn: 0.05},
		Backend: BackendConfig{
			BaseURL:         "https://lms.example.com/hook",
			CallbackTimeout: Duration(5 * time.Second),
		},
	}

	t.Run("no changes", func(t *testing.T) {
		t.Parallel()
		clone := *base
		if d := Diff(base, &clone); !d.Empty() {
			t.Errorf("want empty diff, got %+v", d)
		}
	})

	t.Run("log level", func(t *testing.T) {
		t.Parallel()
		next := *base
		next.Server.LogLevel = LogDebug
		d := Diff(base, &next)
		if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
			t.Errorf("diff: %+v", d)
		}
		if d.AlertsChanged || d.BackendChanged {
			t.Errorf("unrelated blocks flagged: %+v", d)
		}
	})

	t.Run("alert thresholds", func(t *testing.T) {
		t.Parallel()
		next := *base
		next.Alerts.ErrorRateCritical = 0.2
		d := Diff(base, &next)
		if !d.AlertsChanged || d.NewAlerts.ErrorRateCritical != 0.2 {
			t.Errorf("diff: %+v", d)
		}
	})

	t.Run("backend", func(t *testing.T) {
		t.Parallel()
		next := *base
		next.Backend.ServiceToken = "rotated"
		d := Diff(base, &next)
		if !d.BackendChanged || d.NewBackend.ServiceToken != "rotated" {
			t.Errorf("diff: %+v", d)
		}
	})

	// Listen address changes require a restart and must not appear.
	t.Run("restart-only field ignored", func(t *testing.T) {
		t.Parallel()
		next := *base
		next.Server.ListenAddr = ":9090"
		if d := Diff(base, &next); !d.Empty() {
			t.Errorf("want empty diff, got %+v", d)
		}
	})
}
