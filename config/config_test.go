package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Redis driver without a redis DNS must be rejected
	cnf := Configuration{
		ProjectName: "",
		Store: StoreConfig{
			Driver: StoreDriverRedis,
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		Store: StoreConfig{
			Driver: "etcd",
		},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil {
		t.Errorf("Expected unknown store driver error, got nil")
	}

	// Test case with all required fields filled, expect no error
	cnf = Configuration{
		ProjectName: "Test Project",
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:4000",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// Test default port setting
	cnf.Server.Port = ""
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}

	// Retry and alerting defaults
	if cnf.Sync.MaxAttempts != 5 {
		t.Errorf("Expected default max attempts 5, got %d", cnf.Sync.MaxAttempts)
	}
	if cnf.BaseDelay() != 2*time.Second {
		t.Errorf("Expected default base delay 2s, got %v", cnf.BaseDelay())
	}
	if cnf.Alerting.CriticalFailedThreshold != 5 {
		t.Errorf("Expected default critical threshold 5, got %d", cnf.Alerting.CriticalFailedThreshold)
	}
	if cnf.Alerting.FailureRateThreshold != 0.10 {
		t.Errorf("Expected default failure rate threshold 0.10, got %f", cnf.Alerting.FailureRateThreshold)
	}
	if cnf.StalenessWindow() != 24*time.Hour {
		t.Errorf("Expected default staleness window 24h, got %v", cnf.StalenessWindow())
	}
}

func TestValidateDelayOrdering(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{Dns: "localhost:6379"},
		Sync: SyncConfig{
			BaseDelaySeconds: 60,
			MaxDelaySeconds:  10,
		},
	}
	err := cnf.validateAndAddDefaults()
	if err == nil {
		t.Error("Expected delay ordering error, got nil")
	}
}

func TestSQLiteDriverDefaults(t *testing.T) {
	cnf := Configuration{
		Store: StoreConfig{Driver: StoreDriverSQLite},
	}
	err := cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Store.SqlitePath != "fleetsync.db" {
		t.Errorf("Expected default sqlite path, got %s", cnf.Store.SqlitePath)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	// Create a temporary file
	tmpFile, err := os.CreateTemp("", "fleetsync.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up after the test

	// Sample configuration to write to the temp file
	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:4000",
		},
	}
	data, err := json.Marshal(sampleConfig)
	if err != nil {
		t.Fatalf("Unable to marshal sample config: %v", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("Unable to close temporary file: %v", err)
	}

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile returned error: %v", err)
	}

	loaded, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if loaded.ProjectName != "Temp Project" {
		t.Errorf("Expected project name 'Temp Project', got %s", loaded.ProjectName)
	}
	if loaded.Sync.NumberOfQueues != 4 {
		t.Errorf("Expected default number of queues 4, got %d", loaded.Sync.NumberOfQueues)
	}
}
