package config

import "testing"

func TestValidateRequiresDatabaseURLForRelationalBackend(t *testing.T) {
	cfg := &Config{
		ScanIntervalMinutes: 15,
		SourceDirectory:     "/data",
		Backend:             BackendRelational,
		LogLevel:            "info",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when DATABASE_URL is missing for the relational backend")
	}
}

func TestValidateRequiresBucketForObjectStoreBackend(t *testing.T) {
	cfg := &Config{
		ScanIntervalMinutes: 15,
		SourceDirectory:     "/data",
		Backend:             BackendObjectStore,
		LogLevel:            "info",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when OBJECT_STORE_BUCKET is missing for the objectstore backend")
	}
}

func TestValidatePassesWithCompleteConfig(t *testing.T) {
	cfg := &Config{
		ScanIntervalMinutes: 15,
		SourceDirectory:     "/data",
		Backend:             BackendRelational,
		DatabaseURL:         "postgres://localhost/merkle",
		LogLevel:            "info",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateRejectsBadScanInterval(t *testing.T) {
	cfg := &Config{
		ScanIntervalMinutes: 0,
		SourceDirectory:     "/data",
		Backend:             BackendRelational,
		DatabaseURL:         "postgres://localhost/merkle",
		LogLevel:            "info",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a sub-1-minute scan interval")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{
		ScanIntervalMinutes: 15,
		SourceDirectory:     "/data",
		Backend:             BackendRelational,
		DatabaseURL:         "postgres://localhost/merkle",
		LogLevel:            "verbose",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized log level")
	}
}

func TestBuildObjectStoreEndpoint(t *testing.T) {
	cases := []struct {
		name string
		host string
		port int
		ssl  bool
		want string
	}{
		{"empty host passes through", "", 443, true, ""},
		{"ssl folds to https", "minio.local", 9000, true, "https://minio.local:9000"},
		{"no ssl folds to http", "minio.local", 9000, false, "http://minio.local:9000"},
		{"host with scheme passes through unchanged", "http://minio.local:9000", 443, true, "http://minio.local:9000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := buildObjectStoreEndpoint(tc.host, tc.port, tc.ssl)
			if got != tc.want {
				t.Fatalf("buildObjectStoreEndpoint(%q, %d, %v) = %q, want %q", tc.host, tc.port, tc.ssl, got, tc.want)
			}
		})
	}
}
