package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("GROQ_API_KEY", "from-env")
	t.Setenv("EMBEDDING_MODEL", "")
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "data/chat.db"}},
		"providers": {"groq": {}},
		"auth": {"jwt_secret": "s3cret"},
		"memory": {"path": "vectors"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := cfg.BasicConfig
	if b.Database != "sqlite3" || b.Provider != "groq" || b.ShortTermWindow != 20 || b.LongTermTopK != 3 {
		t.Fatalf("unexpected defaults %+v", b)
	}
	if b.MaxWorkers != b.MinWorkers*4 || b.PersistRetries != 3 {
		t.Fatalf("unexpected worker defaults %+v", b)
	}
	if b.SessionIdleTimeout != 30 {
		t.Fatalf("session idle timeout = %d, want 30", b.SessionIdleTimeout)
	}
	dir := filepath.Dir(path)
	if got := cfg.Databases["sqlite3"].DSN; got != filepath.Join(dir, "data/chat.db") {
		t.Fatalf("sqlite dsn not resolved against config dir: %s", got)
	}
	if cfg.Memory.Path != filepath.Join(dir, "vectors") {
		t.Fatalf("memory path not resolved: %s", cfg.Memory.Path)
	}
	if cfg.Providers["groq"].APIKey != "from-env" {
		t.Fatalf("provider key should come from env")
	}
	if cfg.Auth.CookieName != "token" || cfg.Auth.TokenTTLHours != 24 {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
	if cfg.Embedding.Provider != "ollama" || cfg.Embedding.Model != "all-minilm" {
		t.Fatalf("unexpected embedding defaults %+v", cfg.Embedding)
	}
}

func TestLoadRequiresSecretAndProvider(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cases := map[string]string{
		"no secret":   `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "providers": {"groq": {}}}`,
		"no provider": `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "auth": {"jwt_secret": "x"}}`,
		"no database": `{"providers": {"groq": {}}, "auth": {"jwt_secret": "x"}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestSecretFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	cfg, err := Load(writeConfig(t, `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "providers": {"groq": {}}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("expected secret from env, got %q", cfg.Auth.JWTSecret)
	}
}
