package linkauth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SignalCollector returns the stable environment signals a device identity
// is derived from. The concrete signals (rendering-surface hash, navigator
// properties) are an implementation detail behind this interface.
type SignalCollector interface {
	Signals() []string
}

// EnvironmentSignals is a SignalCollector over the usual browser-profile
// signals. Fields left zero simply contribute empty slots; the identity
// stays deterministic either way.
type EnvironmentSignals struct {
	UserAgent      string
	Locale         string
	TimezoneOffset int // minutes east of UTC
	ScreenWidth    int
	ScreenHeight   int
	SurfaceHash    string // rendering-surface fingerprint, already hashed
}

func (s EnvironmentSignals) Signals() []string {
	return []string{
		s.UserAgent,
		s.Locale,
		fmt.Sprintf("%d", s.TimezoneOffset),
		fmt.Sprintf("%dx%d", s.ScreenWidth, s.ScreenHeight),
		s.SurfaceHash,
	}
}

// DeviceStore persists the generated device identifier so it survives
// restarts of the same installation.
type DeviceStore interface {
	LoadDeviceID() (string, error)
	SaveDeviceID(id string) error
}

// FileDeviceStore keeps the device identifier in a single file under a
// fixed path, the durable-client-storage equivalent for a CLI or daemon.
type FileDeviceStore struct {
	Path string
}

func (f *FileDeviceStore) LoadDeviceID() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *FileDeviceStore) SaveDeviceID(id string) error {
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(f.Path, []byte(id+"\n"), 0o600)
}

// DeviceIdentity derives a stable per-installation identifier from
// environment signals and persists it. Safe for concurrent use.
type DeviceIdentity struct {
	collector SignalCollector
	store     DeviceStore

	mu     sync.Mutex
	cached string
}

// NewDeviceIdentity creates a DeviceIdentity. store may be nil, in which
// case the identifier only lives for the lifetime of the process; device
// binding then no longer survives a restart, which weakens the
// anti-hijacking check.
func NewDeviceIdentity(collector SignalCollector, store DeviceStore) *DeviceIdentity {
	return &DeviceIdentity{collector: collector, store: store}
}

// DeviceID returns the device identifier, computing and persisting it on
// first call. It never fails: if the store is unavailable the identifier
// falls back to in-memory for the rest of the process.
func (d *DeviceIdentity) DeviceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" {
		return d.cached
	}

	if d.store != nil {
		if id, err := d.store.LoadDeviceID(); err == nil && id != "" {
			d.cached = id
			return id
		}
	}

	id := fingerprint(d.collector.Signals())

	if d.store != nil {
		if err := d.store.SaveDeviceID(id); err != nil {
			slog.Warn("Device identifier could not be persisted, falling back to session-only identity",
				"error", err)
		}
	}

	d.cached = id
	return id
}

// fingerprint hashes the signal tuple down to a compact URL-safe string.
// No time component: the same signals must always yield the same identity.
func fingerprint(signals []string) string {
	hash := sha256.Sum256([]byte(strings.Join(signals, "|")))
	return base64.RawURLEncoding.EncodeToString(hash[:16])
}
