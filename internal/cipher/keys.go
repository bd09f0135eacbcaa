package cipher

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	dErrors "shepherd/pkg/domain-errors"
)

// StaticKeyProvider holds keys in memory. SetCurrent rotates.
type StaticKeyProvider struct {
	mu       sync.RWMutex
	current  Key
	retained []Key
}

func NewStaticKeyProvider(current Key, retained ...Key) *StaticKeyProvider {
	return &StaticKeyProvider{current: current, retained: retained}
}

func (p *StaticKeyProvider) Current(context.Context) (Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

func (p *StaticKeyProvider) Retained(context.Context) ([]Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.retained), nil
}

// SetCurrent makes key current and keeps the previous current as retained.
func (p *StaticKeyProvider) SetCurrent(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Version != 0 && p.current.Version != key.Version {
		p.retained = append(p.retained, p.current)
	}
	p.current = key
}

// Drop removes a retained version.
func (p *StaticKeyProvider) Drop(version KeyVersion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retained = slices.DeleteFunc(p.retained, func(k Key) bool { return k.Version == version })
}

// NewEnvKeyProvider parses keys from a configuration value of the form
// "1:<base64>,2:<base64>". active selects the current version; zero means
// the highest version listed.
func NewEnvKeyProvider(list string, active uint32) (*StaticKeyProvider, error) {
	var keys []Key
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		versionText, material, ok := strings.Cut(part, ":")
		if !ok {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "cipher key must be version:base64")
		}
		key, err := decodeKey(versionText, material)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return providerFrom(keys, active)
}

// FileKeyProvider reads a YAML key file on every call, so replacing the file
// and calling Cipher.Rotate picks up new material without a restart.
//
//	active: 2
//	keys:
//	  - version: 1
//	    material: <base64>
//	  - version: 2
//	    material: <base64>
type FileKeyProvider struct {
	path string
}

func NewFileKeyProvider(path string) *FileKeyProvider {
	return &FileKeyProvider{path: path}
}

type keyFile struct {
	Active uint32 `yaml:"active"`
	Keys   []struct {
		Version  uint32 `yaml:"version"`
		Material string `yaml:"material"`
	} `yaml:"keys"`
}

func (p *FileKeyProvider) load() (*StaticKeyProvider, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var file keyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	keys := make([]Key, 0, len(file.Keys))
	for _, k := range file.Keys {
		key, err := decodeKey(strconv.FormatUint(uint64(k.Version), 10), k.Material)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return providerFrom(keys, file.Active)
}

func (p *FileKeyProvider) Current(ctx context.Context) (Key, error) {
	static, err := p.load()
	if err != nil {
		return Key{}, err
	}
	return static.Current(ctx)
}

func (p *FileKeyProvider) Retained(ctx context.Context) ([]Key, error) {
	static, err := p.load()
	if err != nil {
		return nil, err
	}
	return static.Retained(ctx)
}

func decodeKey(versionText, material string) (Key, error) {
	version, err := strconv.ParseUint(strings.TrimSpace(versionText), 10, 32)
	if err != nil || version == 0 {
		return Key{}, dErrors.New(dErrors.CodeInvalidInput, "cipher key version must be a positive integer")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(material))
	if err != nil {
		return Key{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, fmt.Sprintf("cipher key %d: invalid base64", version))
	}
	return Key{Version: KeyVersion(version), Material: raw}, nil
}

func providerFrom(keys []Key, active uint32) (*StaticKeyProvider, error) {
	if len(keys) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "no cipher keys configured")
	}
	slices.SortFunc(keys, func(a, b Key) int { return cmp.Compare(a.Version, b.Version) })
	activeVersion := KeyVersion(active)
	if activeVersion == 0 {
		activeVersion = keys[len(keys)-1].Version
	}

	var (
		current  Key
		retained []Key
	)
	for _, k := range keys {
		if k.Version == activeVersion {
			current = k
			continue
		}
		retained = append(retained, k)
	}
	if current.Version == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("active cipher key %d not configured", activeVersion))
	}
	return NewStaticKeyProvider(current, retained...), nil
}
