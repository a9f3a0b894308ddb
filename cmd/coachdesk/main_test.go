package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func minimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("COACHDESK_STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("COACHDESK_STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("COACHDESK_CHECKOUT_UNIT_AMOUNT_CENTS", "9900")
	t.Setenv("COACHDESK_AUTH_JWT_SECRET", "secret")
	t.Setenv("COACHDESK_CIO_DISABLED", "true")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateMemoryBackend(t *testing.T) {
	minimalEnv(t)

	out, err := execute(t, "migrate", "--env-file", "")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "nothing to migrate") {
		t.Errorf("output = %q", out)
	}
}

func TestMigrateRejectsInvalidConfig(t *testing.T) {
	minimalEnv(t)
	t.Setenv("COACHDESK_STORAGE_BACKEND", "sqlite")

	if _, err := execute(t, "migrate", "--env-file", ""); err == nil {
		t.Fatal("expected config error")
	}
}

func TestEnvFileIsLoaded(t *testing.T) {
	minimalEnv(t)
	const key = "COACHDESK_STORAGE_BACKEND"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=cassandra\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "migrate", "--env-file", path)
	if err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Fatalf("expected the env file backend to be rejected, got %v", err)
	}
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	minimalEnv(t)

	if _, err := execute(t, "migrate", "--env-file", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestReconcileRequiresSessionID(t *testing.T) {
	minimalEnv(t)

	if _, err := execute(t, "reconcile", "--env-file", ""); err == nil {
		t.Fatal("expected an argument error")
	}
}
