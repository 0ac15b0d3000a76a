package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// keyFile is the on-disk envelope for a passphrase-encrypted identity. The
// private key never touches disk in the clear; scrypt derives a symmetric
// key from the passphrase and nacl/secretbox seals the 64-byte Ed25519 private key under
// it (spec.md §4.2 "long-term keys MUST be stored encrypted at rest").
type keyFile struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("identity: key derivation failed: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// SaveEncrypted writes id's private key to path, sealed under passphrase.
// The write is atomic: it writes to a temp file in the same directory then
// renames over the destination, so a crash mid-write never leaves a
// truncated keystore.
func (id *Identity) SaveEncrypted(path, passphrase string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("identity: salt generation failed: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("identity: nonce generation failed: %w", err)
	}

	sealed := secretbox.Seal(nil, id.PrivateKeyBytes(), &nonce, key)

	kf := keyFile{
		AgentID:     id.AgentID,
		DisplayName: id.DisplayName,
		Salt:        salt,
		Nonce:       nonce[:],
		Ciphertext:  sealed,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: keystore encode failed: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keystore-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: keystore temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("identity: keystore write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("identity: keystore close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("identity: keystore chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("identity: keystore rename: %w", err)
	}
	return nil
}

// LoadEncrypted reads and unseals an identity previously written by
// SaveEncrypted. A wrong passphrase fails the secretbox authentication tag
// check and returns an error rather than silently producing garbage key
// material.
func LoadEncrypted(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading keystore: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("identity: decoding keystore: %w", err)
	}
	if len(kf.Nonce) != 24 {
		return nil, fmt.Errorf("identity: keystore corrupt: bad nonce length %d", len(kf.Nonce))
	}

	key, err := deriveKey(passphrase, kf.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], kf.Nonce)

	seed, ok := secretbox.Open(nil, kf.Ciphertext, &nonce, key)
	if !ok {
		return nil, fmt.Errorf("identity: decryption failed: wrong passphrase or corrupted keystore")
	}
	if len(seed) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: keystore corrupt: unexpected key size %d", len(seed))
	}

	return FromKey(kf.AgentID, kf.DisplayName, ed25519.PrivateKey(seed)), nil
}
