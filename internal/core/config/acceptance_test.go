package config

import (
	"testing"
)

// TestSecretsStayOutOfConfigFiles verifies that credentials are accepted from
// the environment and rejected from files.
func TestSecretsStayOutOfConfigFiles(t *testing.T) {
	t.Run("redis password from environment", func(t *testing.T) {
		t.Setenv("GOV_REDIS_PASSWORD", "s3cret")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Redis.Password != "s3cret" {
			t.Errorf("redis password not loaded from environment")
		}
	})

	t.Run("redis password in file rejected", func(t *testing.T) {
		path := writeConfig(t, "redis:\n  addr: localhost:6379\n  password: nope\n")

		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("expected error for secret in config file")
		}
		if err.Error() != "redis passwords not allowed in config files (use GOV_REDIS_PASSWORD environment variable)" {
			t.Fatalf("wrong error message: %v", err)
		}
	})

	t.Run("database password in file rejected", func(t *testing.T) {
		path := writeConfig(t, "database:\n  password: nope\n")
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected error for secret in config file")
		}
	})

	t.Run("database url with credentials in file rejected", func(t *testing.T) {
		path := writeConfig(t, "database:\n  url: postgres://gov:hunter2@db:5432/governance\n")
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("expected error for credentials in database url")
		}
	})

	t.Run("database url with credentials from environment", func(t *testing.T) {
		t.Setenv("GOV_DATABASE_URL", "postgres://gov:hunter2@db:5432/governance")
		path := writeConfig(t, "database:\n  url: postgres://db:5432/governance\n")

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Database.URL != "postgres://gov:hunter2@db:5432/governance" {
			t.Errorf("database url = %s, want environment value", cfg.Database.URL)
		}
	})

	t.Run("database url without credentials in file", func(t *testing.T) {
		path := writeConfig(t, "database:\n  url: sqlite://./gov.db\n")
		if _, err := LoadConfig(path); err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
	})
}
