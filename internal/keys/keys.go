// Package keys reads the account key file: a JSON list of
// {"account": "...", "privateKey": "..."} entries.
package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrKeyFileNotFound  = errors.New("key file not found")
	ErrUnknownAccount   = errors.New("unknown account")
	ErrDuplicateAccount = errors.New("duplicate account")
)

type Key struct {
	Account    string `json:"account"`
	PrivateKey string `json:"privateKey"`
}

type KeyFile struct {
	Path string
	Keys []Key
}

// Load reads the key file at path. A path that does not exist as given is
// retried relative to the working directory.
func Load(path string) (*KeyFile, error) {
	resolved, err := locate(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read key file %q: %w", resolved, err)
	}
	return Parse(resolved, data)
}

// Parse decodes key file content. Entries must have an account name and
// account names must be unique.
func Parse(path string, data []byte) (*KeyFile, error) {
	var keys []Key
	if err := jsonUnmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode key file %q: %w", path, err)
	}

	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if strings.TrimSpace(k.Account) == "" {
			return nil, fmt.Errorf("key file %q: entry %d has no account", path, i)
		}
		if _, ok := seen[k.Account]; ok {
			return nil, fmt.Errorf("key file %q: %w: %s", path, ErrDuplicateAccount, k.Account)
		}
		seen[k.Account] = struct{}{}
	}

	return &KeyFile{Path: path, Keys: keys}, nil
}

// GetByAccount returns the entry whose account matches name exactly.
func (f *KeyFile) GetByAccount(name string) (*Key, error) {
	for i := range f.Keys {
		if f.Keys[i].Account == name {
			return &f.Keys[i], nil
		}
	}
	return nil, fmt.Errorf("%w %q in %s", ErrUnknownAccount, name, f.Path)
}

func locate(path string) (string, error) {
	if path == "" {
		return "", ErrKeyFileNotFound
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, nil
	}

	if !filepath.IsAbs(path) {
		if wd, err := os.Getwd(); err == nil {
			candidate := filepath.Join(wd, path)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrKeyFileNotFound, path)
}
