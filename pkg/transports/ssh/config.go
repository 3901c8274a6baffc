package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the pool authenticates to every host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// HostKeyPolicy selects how host keys are verified.
type HostKeyPolicy string

const (
	// HostKeyStrict requires every host to be listed in known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"

	// HostKeyInsecure accepts any host key. Meant for lab networks and tests.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// Config holds the connection settings shared by every host of a Pool.
// Hosts may override User and Port.
type Config struct {
	User       string     `yaml:"user"`
	AuthMethod AuthMethod `yaml:"auth_method" validate:"oneof=key password"`
	Password   string     `yaml:"password" validate:"required_if=AuthMethod password"`

	// PrivateKeyPath defaults to the first of id_ed25519, id_rsa and
	// id_ecdsa found in ~/.ssh.
	PrivateKeyPath       string `yaml:"private_key_path"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`

	HostKeyPolicy  HostKeyPolicy `yaml:"host_key_policy" validate:"oneof=strict insecure"`
	KnownHostsPath string        `yaml:"known_hosts_path" validate:"required_if=HostKeyPolicy strict"`

	// ConnectionTimeout bounds the TCP dial plus the SSH handshake.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"min=1ms"`

	// CommandTimeout bounds one remote command when the caller passes none.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=1ms"`

	// KeepAliveInterval of zero disables keep-alives.
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval" validate:"min=0"`
	MaxKeepAliveRetries int           `yaml:"max_keep_alive_retries" validate:"min=0"`

	// IdleTimeout closes cached connections unused for this long. Zero keeps
	// them until the pool closes.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"min=0"`
}

// DefaultConfig returns the settings used when the config file has no ssh
// section.
func DefaultConfig(user string) *Config {
	return &Config{
		User:                user,
		AuthMethod:          AuthMethodKey,
		HostKeyPolicy:       HostKeyStrict,
		KnownHostsPath:      filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		ConnectionTimeout:   10 * time.Second,
		CommandTimeout:      2 * time.Minute,
		MaxKeepAliveRetries: 3,
		IdleTimeout:         10 * time.Minute,
	}
}

var validate = validator.New()

// Validate checks the struct constraints and resolves the private key.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid ssh config: %w", err)
	}
	if c.AuthMethod != AuthMethodKey {
		return nil
	}

	if c.PrivateKeyPath == "" {
		c.PrivateKeyPath = defaultPrivateKey()
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication and no default key found")
		}
	}
	if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
	}
	return nil
}

func defaultPrivateKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// clientConfig builds the x/crypto client configuration for user.
func (c *Config) clientConfig(user string) (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		interactive := ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		})
		return []ssh.AuthMethod{ssh.Password(c.Password), interactive}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKeyPolicy == HostKeyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return callback, nil
}
