package main

import (
	"testing"
	"time"

	"github.com/docflow/backend/internal/config"
	"github.com/docflow/backend/internal/tasktype"
	"github.com/docflow/backend/internal/worker"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Webhook.Secret = "hook"
	for _, kind := range tasktype.All() {
		cfg.Workers[string(kind)] = config.Worker{
			BaseURL: "http://" + string(kind) + ":8000",
			Mode:    string(worker.DefaultMode(kind)),
		}
	}
	return &cfg
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "migrate", "sweep"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestWorkerRegistryCoversEveryKind(t *testing.T) {
	cfg := testConfig()
	reg, err := newWorkerRegistry(cfg)
	if err != nil {
		t.Fatalf("newWorkerRegistry: %v", err)
	}
	for _, kind := range tasktype.All() {
		route, err := reg.Route(kind)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		client, ok := route.Client.(*worker.HTTPClient)
		if !ok {
			t.Fatalf("%s: client %T", kind, route.Client)
		}
		wantCallback := ""
		if route.Mode == worker.ModeWebhook {
			wantCallback = cfg.WebhookURL()
		}
		if client.CallbackURL != wantCallback {
			t.Errorf("%s: callback %q, want %q", kind, client.CallbackURL, wantCallback)
		}
	}
}

func TestDispatchTimeoutCoversPollBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Polling = config.Polling{IntervalSeconds: 2, MaxAttempts: 10, Backoff: 1}
	policy := retryPolicy(cfg)
	if policy.Budget() != 20*time.Second {
		t.Fatalf("budget = %s", policy.Budget())
	}
	got := dispatchTimeout(cfg, policy)
	want := 20*time.Second + 2*worker.DefaultHTTPOptions().RequestTimeout + time.Minute
	if got != want {
		t.Errorf("dispatch timeout = %s, want %s", got, want)
	}
}
