package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredInvalidPortIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("out-of-range port should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "out of range") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected port range error in fatals")
	}
}

func TestValidateTieredZeroPortIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("port 0 should be fatal")
	}
}

func TestValidateTieredControlCharsInPasswordIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Password = "pass\x00word\x01"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in password should be fatal")
	}
}

func TestValidateTieredCaptureQueueCapClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.CaptureQueueCap = 0
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped capture_queue_cap should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped capture_queue_cap")
	}
	if cfg.CaptureQueueCap != 1 {
		t.Fatalf("CaptureQueueCap = %d, want 1 (clamped)", cfg.CaptureQueueCap)
	}
}

func TestValidateTieredHighCaptureQueueCapClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.CaptureQueueCap = 999999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped capture_queue_cap should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.CaptureQueueCap != 10000 {
		t.Fatalf("CaptureQueueCap = %d, want 10000 (clamped)", cfg.CaptureQueueCap)
	}
}

func TestValidateTieredProcessedQueueCapClamping(t *testing.T) {
	cfg := Default()
	cfg.ProcessedQueueCap = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped processed_queue_cap should be warning: %v", result.Fatals)
	}
	if cfg.ProcessedQueueCap != 1 {
		t.Fatalf("ProcessedQueueCap = %d, want 1", cfg.ProcessedQueueCap)
	}
}

func TestValidateTieredFrameRateClamping(t *testing.T) {
	cfg := Default()
	cfg.FrameRate = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped frame_rate should be warning: %v", result.Fatals)
	}
	if cfg.FrameRate != 1 {
		t.Fatalf("FrameRate = %d, want 1", cfg.FrameRate)
	}

	cfg2 := Default()
	cfg2.FrameRate = 999
	result2 := cfg2.ValidateTiered()
	if result2.HasFatals() {
		t.Fatalf("clamped frame_rate should be warning: %v", result2.Fatals)
	}
	if cfg2.FrameRate != 60 {
		t.Fatalf("FrameRate = %d, want 60", cfg2.FrameRate)
	}
}

func TestValidateTieredQualityOutOfRangeIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Quality = 1.5
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("quality out of range should not be fatal")
	}
	if cfg.Quality != 0.85 {
		t.Fatalf("Quality = %v, want 0.85 (clamped)", cfg.Quality)
	}
}

func TestValidateTieredParallelismDegreeClamping(t *testing.T) {
	cfg := Default()
	cfg.ParallelismDegree = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped parallelism_degree should be warning: %v", result.Fatals)
	}
	if cfg.ParallelismDegree != 1 {
		t.Fatalf("ParallelismDegree = %d, want 1", cfg.ParallelismDegree)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want %q (defaulted)", cfg.LogLevel, "info")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestValidateTieredUnknownDiagnosticsProviderIsWarning(t *testing.T) {
	cfg := Default()
	cfg.DiagnosticsEnabled = true
	cfg.DiagnosticsProvider = "ftp"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown diagnostics provider should not be fatal")
	}
	if cfg.DiagnosticsEnabled {
		t.Fatal("diagnostics should be disabled after an unknown provider is rejected")
	}
}

func TestValidateTieredS3ProviderWithoutBucketIsFatal(t *testing.T) {
	cfg := Default()
	cfg.DiagnosticsEnabled = true
	cfg.DiagnosticsProvider = "s3"
	cfg.DiagnosticsS3Bucket = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("s3 diagnostics provider without a bucket should be fatal")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.Port = 0           // fatal
	cfg.LogFormat = "fake" // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 5900
	cfg.Password = "clean-password"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
