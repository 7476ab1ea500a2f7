package config

import (
	"fmt"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

var validDiagnosticsProviders = map[string]bool{
	"":      true,
	"local": true,
	"s3":    true,
}

// ValidationResult separates fatal errors (startup must abort) from warnings
// (a value was out of range and has been clamped to a safe default).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that want a
// single flat list.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config and returns fatal errors separately from
// recoverable warnings. Values backing a warning are clamped in place so the
// returned Config is always safe to run with.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.Port < 1 || c.Port > 65535 {
		result.Fatals = append(result.Fatals, fmt.Errorf("port %d is out of range 1-65535", c.Port))
	}

	for _, r := range c.Password {
		if unicode.IsControl(r) {
			result.Fatals = append(result.Fatals, fmt.Errorf("password contains control characters"))
			break
		}
	}

	if c.CaptureQueueCap < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("capture_queue_cap %d is below minimum 1, clamping", c.CaptureQueueCap))
		c.CaptureQueueCap = 1
	} else if c.CaptureQueueCap > 10000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("capture_queue_cap %d exceeds maximum 10000, clamping", c.CaptureQueueCap))
		c.CaptureQueueCap = 10000
	}

	if c.ProcessedQueueCap < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("processed_queue_cap %d is below minimum 1, clamping", c.ProcessedQueueCap))
		c.ProcessedQueueCap = 1
	} else if c.ProcessedQueueCap > 10000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("processed_queue_cap %d exceeds maximum 10000, clamping", c.ProcessedQueueCap))
		c.ProcessedQueueCap = 10000
	}

	if c.FrameRate < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("frame_rate %d is below minimum 1, clamping", c.FrameRate))
		c.FrameRate = 1
	} else if c.FrameRate > 60 {
		result.Warnings = append(result.Warnings, fmt.Errorf("frame_rate %d exceeds maximum 60, clamping", c.FrameRate))
		c.FrameRate = 60
	}

	if c.Quality <= 0 || c.Quality > 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("quality %v is out of range (0,1], clamping to 0.85", c.Quality))
		c.Quality = 0.85
	}

	if c.ParallelismDegree < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("parallelism_degree %d is below minimum 1, clamping", c.ParallelismDegree))
		c.ParallelismDegree = 1
	} else if c.ParallelismDegree > 64 {
		result.Warnings = append(result.Warnings, fmt.Errorf("parallelism_degree %d exceeds maximum 64, clamping", c.ParallelismDegree))
		c.ParallelismDegree = 64
	}

	if c.LogLevel != "" && !validLogLevels[normalizedLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid, defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid, defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	if !validDiagnosticsProviders[normalizedLower(c.DiagnosticsProvider)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("diagnostics_provider %q is not valid, disabling diagnostics", c.DiagnosticsProvider))
		c.DiagnosticsEnabled = false
		c.DiagnosticsProvider = ""
	}

	if c.DiagnosticsEnabled && c.DiagnosticsIntervalSecond < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("diagnostics_interval_seconds %d is below minimum 5, clamping", c.DiagnosticsIntervalSecond))
		c.DiagnosticsIntervalSecond = 5
	}

	if c.DiagnosticsEnabled && normalizedLower(c.DiagnosticsProvider) == "s3" && c.DiagnosticsS3Bucket == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("diagnostics_provider is s3 but diagnostics_s3_bucket is empty"))
	}

	return result
}

func normalizedLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
