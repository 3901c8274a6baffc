package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("testuser")

	if config.User != "testuser" {
		t.Errorf("Expected user 'testuser', got '%s'", config.User)
	}

	if config.AuthMethod != AuthMethodKey {
		t.Errorf("Expected auth method 'key', got '%s'", config.AuthMethod)
	}

	if config.ConnectionTimeout != 10*time.Second {
		t.Errorf("Expected connection timeout 10s, got %v", config.ConnectionTimeout)
	}

	if config.CommandTimeout != 2*time.Minute {
		t.Errorf("Expected command timeout 2m, got %v", config.CommandTimeout)
	}

	if config.HostKeyPolicy != HostKeyStrict {
		t.Errorf("Expected host key policy 'strict', got '%s'", config.HostKeyPolicy)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			expectError: true,
			errorMsg:    "'Password' failed on the 'required_if' tag",
		},
		{
			name: "key auth with missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "unsupported auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			expectError: true,
			errorMsg:    "'AuthMethod' failed on the 'oneof' tag",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "'ConnectionTimeout' failed on the 'min' tag",
		},
		{
			name: "invalid command timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.CommandTimeout = 0
			},
			expectError: true,
			errorMsg:    "'CommandTimeout' failed on the 'min' tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("testuser")
			tt.modifyFunc(config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClientConfigPassword(t *testing.T) {
	config := DefaultConfig("testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	config.HostKeyPolicy = HostKeyInsecure

	clientConfig, err := config.clientConfig("deploy")
	if err != nil {
		t.Fatalf("failed to build client config: %v", err)
	}

	if clientConfig.User != "deploy" {
		t.Errorf("Expected user 'deploy', got '%s'", clientConfig.User)
	}
	// password plus keyboard-interactive
	if len(clientConfig.Auth) != 2 {
		t.Errorf("Expected 2 auth methods, got %d", len(clientConfig.Auth))
	}
	if clientConfig.HostKeyCallback == nil {
		t.Error("Expected a host key callback")
	}
}

func TestClientConfigKey(t *testing.T) {
	tmpDir := t.TempDir()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	tests := []struct {
		name        string
		passphrase  string
		useCorrect  bool
		expectError bool
	}{
		{name: "unencrypted key"},
		{name: "encrypted key", passphrase: "hunter2", useCorrect: true},
		{name: "encrypted key with wrong passphrase", passphrase: "hunter2", expectError: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block *pem.Block
			if tt.passphrase != "" {
				block, err = ssh.MarshalPrivateKeyWithPassphrase(privKey, "", []byte(tt.passphrase))
			} else {
				block, err = ssh.MarshalPrivateKey(privKey, "")
			}
			if err != nil {
				t.Fatalf("failed to marshal key: %v", err)
			}

			keyPath := filepath.Join(tmpDir, "key"+string(rune('a'+i)))
			if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
				t.Fatalf("failed to write key: %v", err)
			}

			config := DefaultConfig("testuser")
			config.PrivateKeyPath = keyPath
			config.HostKeyPolicy = HostKeyInsecure
			if tt.passphrase != "" {
				config.PrivateKeyPassphrase = "wrong"
				if tt.useCorrect {
					config.PrivateKeyPassphrase = tt.passphrase
				}
			}

			_, err := config.clientConfig("testuser")
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClientConfigKnownHosts(t *testing.T) {
	config := DefaultConfig("testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	config.KnownHostsPath = filepath.Join(t.TempDir(), "missing_known_hosts")

	if _, err := config.clientConfig("testuser"); err == nil {
		t.Error("Expected error for missing known_hosts with strict checking")
	}

	config.HostKeyPolicy = HostKeyInsecure
	if _, err := config.clientConfig("testuser"); err != nil {
		t.Errorf("Expected insecure policy to ignore known_hosts, got %v", err)
	}
}
