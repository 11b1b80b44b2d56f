package tracing

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("OTLP_ENDPOINT", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("TRACE_SAMPLE_RATE", "")

	cfg := FromEnv("schedule-api")
	if cfg.ServiceName != "schedule-api" || cfg.Version != serviceVersion {
		t.Fatalf("identity = %q/%q", cfg.ServiceName, cfg.Version)
	}
	if cfg.Endpoint != "localhost:4317" || cfg.Environment != "development" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("sample rate = %v", cfg.SampleRate)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("OTLP_ENDPOINT", "collector:4317")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TRACE_SAMPLE_RATE", "0.25")

	cfg := FromEnv("sweep-worker")
	if cfg.Endpoint != "collector:4317" || cfg.Environment != "production" || cfg.SampleRate != 0.25 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestFromEnvSampleRateBounds(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"1", 1},
		{"0.5", 0.5},
		{"0", 1},
		{"2", 1},
		{"-0.1", 1},
		{"lots", 1},
	}
	for _, tc := range cases {
		t.Setenv("TRACE_SAMPLE_RATE", tc.raw)
		if got := FromEnv("sweep-worker").SampleRate; got != tc.want {
			t.Errorf("rate %q parsed to %v, want %v", tc.raw, got, tc.want)
		}
	}
}
