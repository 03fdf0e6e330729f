package config

import "testing"

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialcast", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		ARI: ARIConfig{
			URL:      "http://localhost:8088/ari",
			Username: "dialcast",
			Password: "secret",
			App:      "dialcast",
		},
		API:   APIConfig{SharedSecret: "platform-secret"},
		Media: MediaConfig{CacheDir: "/var/lib/dialcast/media"},
		Flow:  FlowConfig{Dir: "/var/lib/dialcast/flows"},
		Trunk: TrunkConfig{ConfDir: "/etc/asterisk/pjsip.d"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_OK(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validConfig()
	c.DB.SSLMode = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_RejectsNonHTTPARIURL(t *testing.T) {
	c := validConfig()
	c.ARI.URL = "ws://localhost:8088/ari"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for non-http ARI_URL")
	}
}

func TestValidate_DefaultsWebhookTimeout(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Webhook.Timeout <= 0 {
		t.Fatalf("expected webhook timeout default, got %v", c.Webhook.Timeout)
	}
}
