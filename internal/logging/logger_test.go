package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLogging() {
	CloseAll()
	CloseAudit()
	logsDir = ""
	workspace = ""
	configLoaded = false
	configMu.Lock()
	config = loggingConfig{}
	configMu.Unlock()
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	cfgDir := filepath.Join(dir, ".stagecheck")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "logging:\n  level: debug\n  debug_mode: true\n")

	resetLogging()
	defer resetLogging()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("Expected debug mode to be enabled")
	}

	for _, cat := range AllCategories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		Get(cat).Info("Test info message for %s", cat)
	}
	Campaign("convenience campaign log")
	Store("convenience store log")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".stagecheck", "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	for _, cat := range AllCategories {
		found := false
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "logging:\n  debug_mode: false\n")

	resetLogging()
	defer resetLogging()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	Campaign("should not be written")

	if _, err := os.Stat(filepath.Join(tempDir, ".stagecheck", "logs")); !os.IsNotExist(err) {
		t.Errorf("Expected no logs directory in production mode, got err=%v", err)
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "logging:\n  debug_mode: true\n  categories:\n    engine: false\n")

	resetLogging()
	defer resetLogging()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if IsCategoryEnabled(CategoryEngine) {
		t.Error("engine category should be disabled")
	}
	if !IsCategoryEnabled(CategoryCampaign) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestAuditTrailWritesJSONLines(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "logging:\n  debug_mode: true\n")

	resetLogging()
	defer resetLogging()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit: %v", err)
	}
	AuditRun("run-1").Stage(AuditStageSucceed, "phase1", true, 5*time.Millisecond, "")
	CloseAudit()

	matches, _ := filepath.Glob(filepath.Join(tempDir, ".stagecheck", "logs", "*_audit.jsonl"))
	if len(matches) != 1 {
		t.Fatalf("expected one audit file, got %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"stage":"phase1"`) || !strings.Contains(string(data), `"run":"run-1"`) {
		t.Errorf("unexpected audit content: %s", data)
	}
}

func TestTimerStop(t *testing.T) {
	timer := StartTimer(CategoryEngine, "noop")
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}
