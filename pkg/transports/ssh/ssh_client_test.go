package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	// connections counts accepted handshakes.
	connections atomic.Int32
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	s.connections.Add(1)

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	return payload
}

// handleChannel answers exec requests with canned behaviour per command line.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(req.Type == "signal", nil)
			}
			continue
		}

		command := string(req.Payload[4:]) // Skip the length prefix
		if req.WantReply {
			req.Reply(true, nil)
		}

		switch command {
		case "true":
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "echo test":
			channel.Write([]byte("test\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "echo error":
			channel.Stderr().Write([]byte("error\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "cat":
			data, _ := io.ReadAll(channel)
			channel.Write(data)
			channel.SendRequest("exit-status", false, exitStatus(0))
		case "sleep 10":
			select {
			case <-time.After(10 * time.Second):
			case <-s.done:
			}
			channel.SendRequest("exit-status", false, exitStatus(0))
		default:
			var code int
			if _, err := fmt.Sscanf(command, "exit %d", &code); err == nil {
				channel.SendRequest("exit-status", false, exitStatus(uint32(code)))
				break
			}
			channel.Write([]byte("command: " + command + "\n"))
			channel.SendRequest("exit-status", false, exitStatus(0))
		}
		return
	}
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// host returns a Host pointing at the server.
func (s *testSSHServer) host() Host {
	address, port := parseAddress(s.addr)
	return Host{Name: "test", Address: address, Port: port}
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func testConfig() *Config {
	config := DefaultConfig("testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.HostKeyPolicy = HostKeyInsecure
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestDialConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client, err := dial(context.Background(), testConfig(), server.host(), testLogger())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.close()

	if client.host.Name != "test" {
		t.Errorf("Expected host name 'test', got '%s'", client.host.Name)
	}
	if client.connectedAt.IsZero() {
		t.Error("Expected connectedAt to be set")
	}
}

func TestDialWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	config := testConfig()
	config.Password = "wrong"

	_, err := dial(context.Background(), config, server.host(), testLogger())
	if err == nil {
		t.Fatal("Expected authentication error, got nil")
	}
	if !IsAuthError(err) {
		t.Errorf("Expected authentication error, got %v", err)
	}
	if !NotSent(err) {
		t.Error("Expected a connect failure to report NotSent")
	}
}

func TestDialClosedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	address, port := parseAddress(listener.Addr().String())
	listener.Close()

	_, err = dial(context.Background(), testConfig(), Host{Address: address, Port: port}, testLogger())
	if err == nil {
		t.Fatal("Expected connection error, got nil")
	}
	if IsAuthError(err) {
		t.Errorf("Expected a non-authentication error, got %v", err)
	}
	if !NotSent(err) {
		t.Error("Expected a connect failure to report NotSent")
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	config := testConfig()
	config.ConnectionTimeout = 200 * time.Millisecond
	address, port := parseAddress(listener.Addr().String())

	start := time.Now()
	_, err = dial(context.Background(), config, Host{Address: address, Port: port}, testLogger())
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !IsTimeout(err) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected dial to give up quickly, took %v", elapsed)
	}
}

func TestDialKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	keyPath := filepath.Join(t.TempDir(), "test_key")

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := testConfig()
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath

	client, err := dial(context.Background(), config, server.host(), testLogger())
	if err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.close()
}

func TestHostClientCloseTwice(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client, err := dial(context.Background(), testConfig(), server.host(), testLogger())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if err := client.close(); err != nil {
		t.Errorf("Expected first close to succeed, got %v", err)
	}
	if err := client.close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}
}
