package grantrelay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func (c *Client) currentAPIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

func TestWatchAPIKeyFileLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entu.key")
	if err := os.WriteFile(path, []byte("initial-key\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	client, err := NewClient(ClientOptions{Account: "test", APIKey: "bootstrap"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	stop, err := WatchAPIKeyFile(client, path, nil)
	if err != nil {
		t.Fatalf("WatchAPIKeyFile: %v", err)
	}
	defer func() { _ = stop() }()

	if got := client.currentAPIKey(); got != "initial-key" {
		t.Fatalf("expected initial key loaded, got %q", got)
	}

	if err := os.WriteFile(path, []byte("rotated-key\n"), 0o600); err != nil {
		t.Fatalf("rewrite key file: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for client.currentAPIKey() != "rotated-key" {
		if time.Now().After(deadline) {
			t.Fatalf("key not rotated, still %q", client.currentAPIKey())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchAPIKeyFileRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entu.key")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	client, err := NewClient(ClientOptions{Account: "test", APIKey: "bootstrap"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := WatchAPIKeyFile(client, path, nil); err == nil {
		t.Fatal("empty key file must be rejected")
	}
}

func TestWatchAPIKeyFileRequiresClientAndPath(t *testing.T) {
	if _, err := WatchAPIKeyFile(nil, "/tmp/x", nil); err == nil {
		t.Fatal("nil client must be rejected")
	}
	client, err := NewClient(ClientOptions{Account: "test", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := WatchAPIKeyFile(client, "", nil); err == nil {
		t.Fatal("empty path must be rejected")
	}
}
