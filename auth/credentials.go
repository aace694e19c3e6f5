// Copyright 2025 The meshrouter Authors
// This file is part of the meshrouter library.
//
// The meshrouter library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The meshrouter library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the meshrouter library. If not, see <http://www.gnu.org/licenses/>.

// Package auth verifies device credentials for the local routing API.
//
// A device authenticates with its fingerprint and a bearer token; the node
// stores only sha256 digests of tokens. The registry can hot-reload its
// credential file, so devices can be provisioned or revoked without a
// restart.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Request headers carrying the device credential.
const (
	FingerprintHeader = "X-Device-Fp"
	TokenHeader       = "X-Device-Token"
)

// Credential pairs a device fingerprint with the digest of its API token.
type Credential struct {
	DeviceFP  string `yaml:"device_fp" json:"device_fp"`
	TokenHash string `yaml:"token_hash" json:"token_hash"`
}

// NewToken generates a fresh API token: 32 random bytes, hex encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the stored form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// decoyDigest is compared against when a fingerprint is unknown, so lookup
// misses cost the same as mismatched tokens.
var decoyDigest = sha256.Sum256([]byte("meshrouter/auth/decoy"))

// Registry is a concurrency-safe credential set.
type Registry struct {
	log log.Logger

	mu    sync.RWMutex
	creds map[string]string // device fingerprint -> hex sha256(token)
}

// NewRegistry builds a registry from the given credentials. A nil logger
// falls back to the root logger.
func NewRegistry(creds []Credential, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Root()
	}
	r := &Registry{log: logger.New("auth", "devices")}
	r.Replace(creds)
	return r
}

// Replace swaps in a new credential set atomically.
func (r *Registry) Replace(creds []Credential) {
	next := make(map[string]string, len(creds))
	for _, c := range creds {
		next[c.DeviceFP] = c.TokenHash
	}
	r.mu.Lock()
	r.creds = next
	r.mu.Unlock()
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.creds)
}

// Verify reports whether the token matches the registered digest for the
// fingerprint. The digest comparison is constant time, and unknown
// fingerprints burn the same comparison against a decoy digest so their
// absence cannot be timed.
func (r *Registry) Verify(fp, token string) bool {
	r.mu.RLock()
	stored, ok := r.creds[fp]
	r.mu.RUnlock()

	digest := sha256.Sum256([]byte(token))
	if !ok {
		subtle.ConstantTimeCompare(digest[:], decoyDigest[:])
		return false
	}
	want, err := hex.DecodeString(stored)
	if err != nil || len(want) != sha256.Size {
		subtle.ConstantTimeCompare(digest[:], decoyDigest[:])
		return false
	}
	return subtle.ConstantTimeCompare(digest[:], want) == 1
}

// LoadCredentials reads a YAML credential list. Unknown keys and malformed
// entries are rejected; a provisioning typo should fail loudly, not lock
// devices out silently.
func LoadCredentials(path string) ([]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var creds []Credential
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("auth: malformed credential file %s: %v", path, err)
	}
	for i, c := range creds {
		if c.DeviceFP == "" {
			return nil, fmt.Errorf("auth: credential %d: empty device_fp", i)
		}
		if raw, err := hex.DecodeString(c.TokenHash); err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("auth: credential %d: token_hash is not a sha256 hex digest", i)
		}
	}
	return creds, nil
}

// Watch reloads the registry whenever the credential file changes. The watch
// covers the containing directory, so atomic rename-into-place updates (the
// common provisioning pattern) are picked up. Reload failures keep the
// previous credential set.
func (r *Registry) Watch(path string, quit <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	go r.watchLoop(watcher, path, quit)
	return nil
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher, path string, quit <-chan struct{}) {
	defer watcher.Close()

	// Editors and provisioning tools emit bursts of events per update;
	// coalesce them before reloading.
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	pending := false
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !pending {
				debounce.Reset(100 * time.Millisecond)
				pending = true
			}
		case <-debounce.C:
			pending = false
			r.reload(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("Credential watcher error", "err", err)
		case <-quit:
			return
		}
	}
}

func (r *Registry) reload(path string) {
	creds, err := LoadCredentials(path)
	if err != nil {
		r.log.Error("Failed to reload credentials, keeping previous set", "path", path, "err", err)
		return
	}
	r.Replace(creds)
	r.log.Info("Reloaded device credentials", "devices", len(creds))
}
