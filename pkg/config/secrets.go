package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"

	"osce/pkg/llm"
	"osce/pkg/logx"
)

// Secret names.
const (
	SecretGeminiKey = "GEMINI_API_KEY"
	SecretGoogleKey = "GOOGLE_API_KEY"
)

// Encryption parameters. The file layout is [salt][nonce][ciphertext+tag].
const (
	saltSize   = 16
	nonceSize  = 12
	gcmTagSize = 16
	scryptN    = 32768 // 2^15
	scryptR    = 8
	scryptP    = 1
	keySize    = 32 // AES-256
)

// ErrSecretNotFound is returned when a secret is in neither the file nor the environment.
var ErrSecretNotFound = errors.New("secret not found")

// Credentials resolves secrets from a decrypted secrets file first, then the environment.
type Credentials struct {
	secrets map[string]string
	getenv  func(string) string
	mu      sync.RWMutex
}

// NewCredentials returns credentials backed by the environment only.
func NewCredentials() *Credentials {
	return &Credentials{secrets: map[string]string{}, getenv: os.Getenv}
}

// LoadCredentials decrypts path with password when the file exists. A missing file is
// not an error; a present file with an empty password is.
func LoadCredentials(path, password string) (*Credentials, error) {
	c := NewCredentials()
	if path == "" || !SecretsFileExists(path) {
		return c, nil
	}
	if password == "" {
		return nil, fmt.Errorf("secrets file %s exists but %s is not set", path, EnvSecretsPass)
	}
	secrets, err := DecryptSecretsFile(path, password)
	if err != nil {
		return nil, err
	}
	c.secrets = secrets
	logx.NewLogger("config").Info("🔐 Loaded %d secrets from %s", len(secrets), path)
	return c, nil
}

// Get returns a secret by name.
func (c *Credentials) Get(name string) (string, error) {
	c.mu.RLock()
	value := c.secrets[name]
	c.mu.RUnlock()
	if value != "" {
		return value, nil
	}
	if value := c.getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s not in secrets file or environment", ErrSecretNotFound, name)
}

// Set stores a secret in memory.
func (c *Credentials) Set(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[name] = value
}

// Names lists the secrets held in memory, sorted. Values are never exposed.
func (c *Credentials) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.secrets))
	for name := range c.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save encrypts the in-memory secrets to path.
func (c *Credentials) Save(path, password string) error {
	c.mu.RLock()
	cp := make(map[string]string, len(c.secrets))
	for k, v := range c.secrets {
		cp[k] = v
	}
	c.mu.RUnlock()
	return EncryptSecretsFile(path, password, cp)
}

// GeminiKey is the key source for the Gemini endpoint: GEMINI_API_KEY, then GOOGLE_API_KEY.
// No key yields an empty string, which the endpoint reports as a configuration error.
func (c *Credentials) GeminiKey() llm.KeySource {
	return func() (string, error) {
		for _, name := range []string{SecretGeminiKey, SecretGoogleKey} {
			if v, err := c.Get(name); err == nil {
				return v, nil
			}
		}
		return "", nil
	}
}

// SecretsFileExists reports whether path exists.
func SecretsFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EncryptSecretsFile encrypts secrets with a key derived from password and writes them
// to path with 0600 permissions.
func EncryptSecretsFile(path, password string, secrets map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	data := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	data = append(data, salt...)
	data = append(data, nonce...)
	data = append(data, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts path. Loose permissions are tightened to 0600.
func DecryptSecretsFile(path, password string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.NewLogger("config").Warn("⚠️  Secrets file has permissions %04o, fixing to 0600", info.Mode().Perm())
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTagSize {
		return nil, errors.New("secrets file is corrupted or invalid format (too small)")
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed (wrong password or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	passwordBytes := []byte(password)
	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	clear(passwordBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
