package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/detectrelay/pkg/models"
	"github.com/psantana5/detectrelay/pkg/session"
)

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" || cfg.Worker.Program != "main.py" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retention.Interval != time.Hour || cfg.Retention.MaxAge != 24*time.Hour {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.Session.IdleTimeout != 0 || cfg.Session.TerminateTimeout != 30*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("session.max_runtime", "2h")
	v.Set("client_origins", []string{"http://a.example", "http://b.example"})

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.MaxRuntime != 2*time.Hour {
		t.Errorf("max_runtime = %v", cfg.Session.MaxRuntime)
	}
	if len(cfg.ClientOrigins) != 2 {
		t.Errorf("client_origins = %v", cfg.ClientOrigins)
	}

	v.Set("ratelimit.burst", 0)
	if _, err := loadConfig(v); err == nil {
		t.Error("expected error for zero burst")
	}
}

func TestReadProcessingConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "yaml",
			file: "job.yaml",
			body: "model: high\ntracking: true\ntracks: true\ntrackLen: 1.5\narea:\n  - {x: 1, y: 2, width: 3, height: 4}\n",
		},
		{
			name: "json",
			file: "job.json",
			body: `{"model":"high","tracking":true,"tracks":true,"trackLen":1.5,"area":[{"x":1,"y":2,"width":3,"height":4}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, err := readProcessingConfig(path)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Model != models.ModelHigh || !cfg.Tracking || cfg.TrackLen != 1.5 {
				t.Errorf("cfg = %+v", cfg)
			}
			if r, ok := cfg.Region(); !ok || r.Width != 3 {
				t.Errorf("region = %+v", r)
			}
		})
	}

	if _, err := readProcessingConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderSessions(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	renderSessions(&buf, []session.Info{
		{ID: "abc", State: models.SessionRunning, ConnectedAt: now.Add(-90 * time.Second), PID: 77, Progress: 40},
	}, now)

	out := buf.String()
	for _, want := range []string{"abc", "running", "77", "40%", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}
