package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
service:
  name: svc.example.com
  backend: http://127.0.0.1:9000
  providers:
    - issuer: https://issuer.example.com
      provider_id: example
  methods:
    - selector: svc.example.com.GetWidget
      verb: GET
      template: /v1/widgets/{id}
      allowed_providers: [example]
      quota_costs:
        requests: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if cfg.Service.Name != "svc.example.com" {
		t.Errorf("service name = %q, want %q", cfg.Service.Name, "svc.example.com")
	}
	if len(cfg.Service.Methods) != 1 {
		t.Fatalf("methods count = %d, want 1", len(cfg.Service.Methods))
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_CHECK_URL", "https://servicecontrol.example.com/check")

	path := writeConfig(t, `
remote_client:
  check_url: ${TEST_CHECK_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RemoteClient.CheckURL != "https://servicecontrol.example.com/check" {
		t.Errorf("check_url = %q, want env-expanded value", cfg.RemoteClient.CheckURL)
	}

	result := expandEnv([]byte("key: ${TEST_CHECK_URL}"))
	if string(result) != "key: https://servicecontrol.example.com/check" {
		t.Errorf("expandEnv = %q", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "sentinel.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "sentinel.db")
	}
	if cfg.Aggregators.Check.NumEntries != 10_000 {
		t.Errorf("default check num_entries = %d, want 10000", cfg.Aggregators.Check.NumEntries)
	}
}

func TestYAMLServiceSourceLoad(t *testing.T) {
	t.Parallel()

	svcCfg := ServiceConfig{
		Name: "svc.example.com",
		Providers: []AuthProviderEntry{
			{Issuer: "https://issuer.example.com", ProviderID: "example"},
		},
		Methods: []MethodEntry{
			{
				Selector:         "svc.example.com.GetWidget",
				Verb:             "GET",
				Template:         "/v1/widgets/{id}",
				AllowedProviders: []string{"example"},
				Audiences:        map[string][]string{"example": {"svc.example.com"}},
				QuotaCosts:       map[string]int64{"requests": 1},
			},
			{
				Selector: "svc.example.com.ListWidgets",
				Verb:     "GET",
				Template: "/v1/widgets",
			},
		},
	}

	src := NewYAMLServiceSource(svcCfg)
	svc, infos, err := src.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if svc.Name != "svc.example.com" {
		t.Errorf("service name = %q", svc.Name)
	}
	if len(svc.HTTPRules) != 2 {
		t.Fatalf("http rules = %d, want 2", len(svc.HTTPRules))
	}
	if len(svc.Quota) != 1 {
		t.Fatalf("quota bindings = %d, want 1", len(svc.Quota))
	}

	getInfo := infos["svc.example.com.GetWidget"]
	if getInfo == nil {
		t.Fatal("missing info for GetWidget")
	}
	if !getInfo.HasAuth {
		t.Error("GetWidget should require auth")
	}
	if !getInfo.AuthPolicy.Allows("example") {
		t.Error("GetWidget should allow provider 'example'")
	}
	if getInfo.AuthPolicy.Allows("other") {
		t.Error("GetWidget should not allow provider 'other'")
	}

	listInfo := infos["svc.example.com.ListWidgets"]
	if listInfo == nil {
		t.Fatal("missing info for ListWidgets")
	}
	if listInfo.HasAuth {
		t.Error("ListWidgets should not require auth (no allowed_providers configured)")
	}
}
