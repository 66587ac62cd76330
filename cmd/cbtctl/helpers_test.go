package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joshuapare/cbtkit/internal/blockdev"
	"github.com/joshuapare/cbtkit/internal/config"
	"github.com/joshuapare/cbtkit/pkg/types"
)

var testVol = types.VolumeID{Major: 8, Minor: 1}

// startDaemon runs the daemon over an in-memory disk of 2048 sectors and
// points the client commands at it.
func startDaemon(t *testing.T) *blockdev.Mem {
	t.Helper()
	m := blockdev.NewMem()
	d := m.AddDisk(1, 2048)
	m.AddVolume(d, testVol, 0, 2048, false)

	cfg, err := config.Load(writeTestConfig(t), nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	socketPath, timeout = cfg.Socket, 10*time.Second
	jsonOut, quiet, verbose = false, false, false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, m, m, m) }()
	waitForSocket(t, cfg.Socket)

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return m
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cbtkit.yaml")
	body := "socket: " + filepath.Join(dir, "c.sock") + "\n" +
		"redirect:\n  prealloc_blocks: 2\n" +
		"log:\n  level: error\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon socket %s never appeared", path)
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
