package postgres

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Host != "localhost" || config.Port != 5432 {
		t.Fatalf("unexpected address %s:%d", config.Host, config.Port)
	}
	if config.Database != "netfabric" {
		t.Errorf("Expected database 'netfabric', got '%s'", config.Database)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("DefaultConfig() should be valid: %v", err)
	}
}

func TestConfig_ConnectionString(t *testing.T) {
	config := &Config{
		Host:     "testhost",
		Port:     5433,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "require",
	}

	expected := "host=testhost port=5433 user=testuser password=testpass dbname=testdb sslmode=require"
	if got := config.ConnectionString(); got != expected {
		t.Errorf("ConnectionString() = %s; want %s", got, expected)
	}
}

func TestConfig_ConnectionStringQuotes(t *testing.T) {
	config := &Config{Host: "h", Port: 1, User: "u", Password: "it's a secret", Database: "d", SSLMode: "disable"}
	expected := `host=h port=1 user=u password='it\'s a secret' dbname=d sslmode=disable`
	if got := config.ConnectionString(); got != expected {
		t.Errorf("ConnectionString() = %s; want %s", got, expected)
	}

	config.Password = ""
	expected = `host=h port=1 user=u password='' dbname=d sslmode=disable`
	if got := config.ConnectionString(); got != expected {
		t.Errorf("ConnectionString() = %s; want %s", got, expected)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"valid", &Config{Host: "localhost", Port: 5432, User: "user", Database: "db"}, false},
		{"missing host", &Config{Port: 5432, User: "user", Database: "db"}, true},
		{"invalid port", &Config{Host: "localhost", Port: -1, User: "user", Database: "db"}, true},
		{"missing user", &Config{Host: "localhost", Port: 5432, Database: "db"}, true},
		{"missing database", &Config{Host: "localhost", Port: 5432, User: "user"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	config := &Config{Host: "localhost", Port: 5432, User: "user", Database: "db"}
	if err := config.Validate(); err != nil {
		t.Fatal(err)
	}
	if config.SSLMode != "disable" {
		t.Errorf("SSLMode = %q, want disable", config.SSLMode)
	}
	if config.MaxOpenConns != 25 || config.MaxIdleConns != 5 {
		t.Errorf("pool sizes = %d/%d, want 25/5", config.MaxOpenConns, config.MaxIdleConns)
	}
	if config.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("ConnMaxLifetime = %v", config.ConnMaxLifetime)
	}
}
