// Package cryptoutil implements the Monitor's Ed25519 key lifecycle:
// generation, on-disk persistence with strict permissions, loading from
// file or environment, and detached signing.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	privFileName = "key.priv"
	pubFileName  = "key.pub"
	seedLen      = ed25519.SeedSize // 32
)

// ErrKeyExists is returned by Save when the key files already exist and
// overwrite was not requested.
var ErrKeyExists = errors.New("cryptoutil: key already exists")

// ErrKeyFormat is returned when a seed fails its length/encoding checks.
var ErrKeyFormat = errors.New("cryptoutil: invalid key format")

// Key holds a 32-byte Ed25519 seed for the process lifetime. The zero value
// is not usable; construct with Generate, Load, or LoadFromEnv.
type Key struct {
	priv ed25519.PrivateKey
}

// Generate creates a new signing key from the OS CSPRNG.
func Generate() (*Key, error) {
	seed := make([]byte, seedLen)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("cryptoutil: generating seed: %w", err)
	}
	defer zero(seed)
	return fromSeed(seed), nil
}

func fromSeed(seed []byte) *Key {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Key{priv: priv}
}

// zero overwrites b with zeros in place. Called on every path that touches
// raw seed bytes in transit, including error paths, so decoded key
// material never outlives the Key it constructs.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Save writes the 32-byte seed to dir/key.priv (mode 0600) and the base64
// public key to dir/key.pub (mode 0644). Refuses to overwrite existing
// files unless force is true. Writes are staged to a temp file and renamed
// into place so a crash mid-write cannot leave a truncated key file.
func (k *Key) Save(dir string, force bool) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cryptoutil: creating key dir: %w", err)
	}

	privPath := filepath.Join(dir, privFileName)
	pubPath := filepath.Join(dir, pubFileName)

	if !force {
		if _, err := os.Stat(privPath); err == nil {
			return ErrKeyExists
		}
		if _, err := os.Stat(pubPath); err == nil {
			return ErrKeyExists
		}
	}

	seed := k.priv.Seed()
	if err := atomicWrite(privPath, seed, 0600); err != nil {
		return fmt.Errorf("cryptoutil: writing %s: %w", privFileName, err)
	}

	pubB64 := k.publicKeyBase64Bytes()
	if err := atomicWrite(pubPath, pubB64, 0644); err != nil {
		return fmt.Errorf("cryptoutil: writing %s: %w", pubFileName, err)
	}

	return nil
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads dir/key.priv. Fails with ErrKeyFormat if the file length is
// not exactly 32 bytes.
func Load(dir string) (*Key, error) {
	path := filepath.Join(dir, privFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: reading %s: %w", path, err)
	}
	defer zero(raw)

	if len(raw) != seedLen {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrKeyFormat, path, len(raw), seedLen)
	}
	return fromSeed(raw), nil
}

// LoadFromEnv reads env variable name, trims surrounding whitespace,
// decodes as standard base64, and requires exactly 32 bytes after decode.
func LoadFromEnv(name string) (*Key, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("cryptoutil: environment variable %s is not set", name)
	}

	seed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64: %v", ErrKeyFormat, name, err)
	}
	defer zero(seed)

	if len(seed) != seedLen {
		return nil, fmt.Errorf("%w: %s decodes to %d bytes, want %d", ErrKeyFormat, name, len(seed), seedLen)
	}
	return fromSeed(seed), nil
}

// Source identifies where a loaded key came from, for startup logging.
type Source string

const (
	SourceEnv  Source = "env"
	SourceFile Source = "file"
)

// LoadWithFallback loads a key from the envName environment variable if
// present, otherwise from dir. If the environment variable is present but
// invalid, this fails immediately; it does not fall back to the file.
func LoadWithFallback(dir, envName string) (*Key, Source, error) {
	if raw := strings.TrimSpace(os.Getenv(envName)); raw != "" {
		k, err := LoadFromEnv(envName)
		if err != nil {
			return nil, "", err
		}
		return k, SourceEnv, nil
	}

	k, err := Load(dir)
	if err != nil {
		return nil, "", err
	}
	return k, SourceFile, nil
}

// Sign produces a detached Ed25519 signature over data, base64-encoded.
func (k *Key) Sign(data []byte) string {
	sig := ed25519.Sign(k.priv, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKeyBase64 returns the standard-base64-encoded public key, with no
// trailing newline.
func (k *Key) PublicKeyBase64() string {
	pub := k.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// publicKeyBase64Bytes returns the public key line as written to key.pub,
// terminated with a newline.
func (k *Key) publicKeyBase64Bytes() []byte {
	return []byte(k.PublicKeyBase64() + "\n")
}

// SeedBase64 returns the standard-base64-encoded 32-byte seed.
func (k *Key) SeedBase64() string {
	return base64.StdEncoding.EncodeToString(k.priv.Seed())
}

// Fingerprint returns the first 8 hex characters of the SHA-256 digest of
// the public key, for identifying which key loaded in logs.
func (k *Key) Fingerprint() string {
	pub := k.priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum[:4])
}

// ExportKey writes SeedBase64() followed by a single newline to w. Callers
// must ensure w is stdout and that no other bytes reach it; all
// diagnostics belong on stderr.
func (k *Key) ExportKey(w io.Writer) error {
	_, err := fmt.Fprintln(w, k.SeedBase64())
	return err
}
