package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"JITLINK_LOG_LEVEL", "JITLINK_TARGET", "JITLINK_HOST_LIBS",
		"JITLINK_CACHE_DIR", "JITLINK_PARALLELISM", "NO_COLOR",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.LogLevel != "info" || c.Color != ColorAuto || c.Cache {
		t.Fatalf("Default()=%+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
logLevel: DEBUG
target: x86_64-apple-darwin
hostLibraries: [libc.so.6]
cache: true
cacheDir: /tmp/objs
parallelism: 3
`)
	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Config{
		LogLevel:      "debug",
		Target:        "x86_64-apple-darwin",
		HostLibraries: []string{"libc.so.6"},
		Cache:         true,
		CacheDir:      "/tmp/objs",
		Parallelism:   3,
		Color:         ColorAuto,
	}
	if c.LogLevel != want.LogLevel || c.Target != want.Target || !slices.Equal(c.HostLibraries, want.HostLibraries) ||
		c.Cache != want.Cache || c.CacheDir != want.CacheDir || c.Parallelism != want.Parallelism || c.Color != want.Color {
		t.Fatalf("Load=%+v, want %+v", c, want)
	}
	if level, err := c.SlogLevel(); err != nil || level != slog.LevelDebug {
		t.Fatalf("SlogLevel=%v, %v", level, err)
	}
	td, err := c.TargetDescription()
	if err != nil || td.GlobalPrefix() != "_" {
		t.Fatalf("TargetDescription=%+v, %v", td, err)
	}
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "jitlink.toml", `
log_level = "warn"
color = "never"
host_libraries = ["libm.so.6"]
`)
	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.LogLevel != "warn" || c.Color != ColorNever || !slices.Equal(c.HostLibraries, []string{"libm.so.6"}) {
		t.Fatalf("Load=%+v", c)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", "logLevel: info\nparallelism: 2\ncolor: always\n")
	t.Setenv("JITLINK_LOG_LEVEL", "ERROR")
	t.Setenv("JITLINK_PARALLELISM", "7")
	t.Setenv("JITLINK_CACHE_DIR", "/var/cache/jit")
	t.Setenv("JITLINK_HOST_LIBS", "liba.so"+string(os.PathListSeparator)+"libb.so")
	t.Setenv("NO_COLOR", "1")

	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.LogLevel != "error" || c.Parallelism != 7 || c.CacheDir != "/var/cache/jit" || !c.Cache || c.Color != ColorNever {
		t.Fatalf("Load=%+v", c)
	}
	if !slices.Equal(c.HostLibraries, []string{"liba.so", "libb.so"}) {
		t.Fatalf("HostLibraries=%v", c.HostLibraries)
	}
}

func TestApplyEnvSeesLaterChanges(t *testing.T) {
	clearEnv(t)
	c := Default()
	c.ApplyEnv()
	if c.Color != ColorAuto || c.Parallelism != Default().Parallelism {
		t.Fatalf("ApplyEnv with empty environment=%+v", c)
	}

	t.Setenv("NO_COLOR", "1")
	t.Setenv("JITLINK_PARALLELISM", "3")
	c.ApplyEnv()
	if c.Color != ColorNever || c.Parallelism != 3 {
		t.Fatalf("ApplyEnv after Setenv=%+v, want color never and parallelism 3", c)
	}
}

func TestLoadMissing(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := Load(missing, false); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load error=%v, want ErrNotExist", err)
	}
	c, err := Load(missing, true)
	if err != nil {
		t.Fatalf("optional Load failed: %v", err)
	}
	if c.LogLevel != "info" {
		t.Fatalf("optional Load=%+v, want defaults", c)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"level", "config.yaml", "logLevel: chatty\n"},
		{"color", "config.yaml", "color: sometimes\n"},
		{"target", "config.yaml", "target: mips-unknown-linux-gnu\n"},
		{"format", "config.ini", "logLevel=info\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tc.file, tc.content), false); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load error=%v, want ErrInvalid", err)
			}
		})
	}
}

func TestUseColor(t *testing.T) {
	for _, tc := range []struct {
		color string
		tty   bool
		want  bool
	}{
		{ColorAuto, true, true},
		{ColorAuto, false, false},
		{ColorAlways, false, true},
		{ColorNever, true, false},
	} {
		if got := (Config{Color: tc.color}).UseColor(tc.tty); got != tc.want {
			t.Fatalf("UseColor(%s, %v)=%v, want %v", tc.color, tc.tty, got, tc.want)
		}
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", FileName)
	if err := WriteTemplate(path, Config{Parallelism: 4, Cache: true}); err != nil {
		t.Fatalf("WriteTemplate failed: %v", err)
	}
	c, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Parallelism != 4 || !c.Cache || c.LogLevel != "info" {
		t.Fatalf("round trip=%+v", c)
	}
}
