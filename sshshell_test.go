package main

import (
	"testing"
	"time"
)

func TestRunBeforeConnectReturnsPrecondition(t *testing.T) {
	shell := &sshRemoteShell{}
	exitCode, stdout, stderr := shell.Run("echo hi", time.Second)
	if exitCode != -1 {
		t.Errorf("expected exit code -1, got %d", exitCode)
	}
	if stdout != "" {
		t.Errorf("expected empty stdout, got %q", stdout)
	}
	if stderr != ErrNotConnected.Error() {
		t.Errorf("expected precondition error, got %q", stderr)
	}
}

func TestCloseIsIdempotentBeforeConnect(t *testing.T) {
	shell := &sshRemoteShell{}
	if err := shell.Close(); err != nil {
		t.Errorf("expected Close on unconnected shell to be a no-op, got %v", err)
	}
	if err := shell.Close(); err != nil {
		t.Errorf("expected second Close to also be a no-op, got %v", err)
	}
}

func TestAuthMethodsRequiresAtLeastOneCredential(t *testing.T) {
	if _, err := authMethods(Credentials{Username: "ops"}); err == nil {
		t.Error("expected error when no key file, agent, or password is usable")
	}
}

func TestAuthMethodsPassword(t *testing.T) {
	methods, err := authMethods(Credentials{Username: "ops", Password: "hunter2"})
	if err != nil {
		t.Fatalf("authMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("expected exactly one auth method from password alone, got %d", len(methods))
	}
}

func TestDecodeUTF8ReplacesInvalidSequences(t *testing.T) {
	invalid := []byte{'o', 'k', 0xff, 0xfe}
	got := decodeUTF8(invalid)
	if got == "" {
		t.Fatal("expected non-empty decoded string")
	}
	if got[:2] != "ok" {
		t.Errorf("expected valid prefix preserved, got %q", got)
	}
}
