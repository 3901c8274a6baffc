package ssh

import (
	"context"
	"testing"
	"time"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()

	pool, err := NewPool(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPoolExecute(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	pool := newTestPool(t)

	tests := []struct {
		name           string
		command        Command
		expectedStdout string
		expectedStderr string
		expectedExit   int
	}{
		{
			name:           "simple echo",
			command:        Command{Line: "echo test"},
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        Command{Line: "echo error"},
			expectedStderr: "error",
		},
		{
			name:         "exit with error",
			command:      Command{Line: "exit 1"},
			expectedExit: 1,
		},
		{
			name:         "exit with other code",
			command:      Command{Line: "exit 3"},
			expectedExit: 3,
		},
		{
			name:           "stdin is delivered",
			command:        Command{Line: "cat", Stdin: []byte("line one\nline two\n")},
			expectedStdout: "line one\nline two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := pool.Execute(context.Background(), server.host(), tt.command, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.Stdout != tt.expectedStdout {
				t.Errorf("Expected stdout '%s', got '%s'", tt.expectedStdout, result.Stdout)
			}
			if result.Stderr != tt.expectedStderr {
				t.Errorf("Expected stderr '%s', got '%s'", tt.expectedStderr, result.Stderr)
			}
			if result.ExitCode != tt.expectedExit {
				t.Errorf("Expected exit code %d, got %d", tt.expectedExit, result.ExitCode)
			}
			if result.Succeeded() != (tt.expectedExit == 0) {
				t.Errorf("Expected Succeeded() to be %v", tt.expectedExit == 0)
			}
		})
	}
}

func TestPoolReusesConnection(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	pool := newTestPool(t)

	for i := 0; i < 3; i++ {
		if _, err := pool.Execute(context.Background(), server.host(), Command{Line: "true"}, 0); err != nil {
			t.Fatalf("command %d failed: %v", i, err)
		}
	}

	if got := server.connections.Load(); got != 1 {
		t.Errorf("Expected 1 connection, got %d", got)
	}
	if pool.Size() != 1 {
		t.Errorf("Expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolReconnectsAfterDrop(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	pool := newTestPool(t)

	if _, err := pool.Execute(context.Background(), server.host(), Command{Line: "true"}, 0); err != nil {
		t.Fatalf("first command failed: %v", err)
	}

	// Drop the cached connection underneath the pool.
	for _, c := range pool.clients {
		c.client.Close()
	}

	result, err := pool.Execute(context.Background(), server.host(), Command{Line: "echo test"}, 0)
	if err != nil {
		t.Fatalf("Expected reconnect to succeed, got %v", err)
	}
	if result.Stdout != "test" {
		t.Errorf("Expected stdout 'test', got '%s'", result.Stdout)
	}
	if got := server.connections.Load(); got != 2 {
		t.Errorf("Expected 2 connections, got %d", got)
	}
}

func TestPoolCommandTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	pool := newTestPool(t)

	start := time.Now()
	_, err := pool.Execute(context.Background(), server.host(), Command{Line: "sleep 10"}, 200*time.Millisecond)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !IsTimeout(err) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if NotSent(err) {
		t.Error("Expected a command timeout not to report NotSent")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected command to be abandoned quickly, took %v", elapsed)
	}
}

func TestPoolUnreachableHost(t *testing.T) {
	pool := newTestPool(t)

	_, err := pool.Execute(context.Background(), Host{Address: "127.0.0.1", Port: 1}, Command{Line: "true"}, 0)
	if err == nil {
		t.Fatal("Expected connection error, got nil")
	}
	if !NotSent(err) {
		t.Errorf("Expected NotSent error, got %v", err)
	}
	if pool.Size() != 0 {
		t.Errorf("Expected empty pool, got %d", pool.Size())
	}
}

func TestPoolReap(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	config := testConfig()
	config.IdleTimeout = time.Millisecond
	pool, err := NewPool(config, testLogger())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Execute(context.Background(), server.host(), Command{Line: "true"}, 0); err != nil {
		t.Fatalf("command failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if reaped := pool.Reap(); reaped != 1 {
		t.Errorf("Expected 1 reaped connection, got %d", reaped)
	}
	if pool.Size() != 0 {
		t.Errorf("Expected empty pool, got %d", pool.Size())
	}
}

func TestPoolClosed(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	pool := newTestPool(t)
	if err := pool.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	_, err := pool.Execute(context.Background(), server.host(), Command{Line: "true"}, 0)
	if err == nil {
		t.Fatal("Expected error after close, got nil")
	}
}
