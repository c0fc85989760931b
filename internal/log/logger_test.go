package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   LogLevel
		wantOK bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{"Warning", LevelWarn, true},
		{"warn", LevelWarn, true},
		{" error ", LevelError, true},
		{"fatal", LevelFatal, true},
		{"verbose", LevelInfo, false},
		{"", LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSetLevelRoundTrip(t *testing.T) {
	orig := GetLevel()
	t.Cleanup(func() { SetLevel(orig) })

	for _, l := range []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal} {
		SetLevel(l)
		if got := GetLevel(); got != l {
			t.Errorf("GetLevel() = %v after SetLevel(%v)", got, l)
		}
	}
}

func TestLevelString(t *testing.T) {
	if LevelWarn.String() != "WARN" {
		t.Errorf("LevelWarn.String() = %q", LevelWarn.String())
	}
	if LogLevel(42).String() != "UNKNOWN" {
		t.Errorf("unknown level string = %q", LogLevel(42).String())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sonomkr.log")
	if err := Configure(Options{Level: LevelDebug, File: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(func() {
		_ = Configure(Options{Level: LevelInfo})
	})

	Infof("Capture: opened %s", "hw:0")
	if err := Sync(); err != nil && !strings.Contains(err.Error(), "sync") {
		t.Logf("Sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "Capture: opened hw:0") {
		t.Errorf("log file does not contain the record: %q", data)
	}
}

func TestConfigureBadPath(t *testing.T) {
	err := Configure(Options{File: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	if err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}
