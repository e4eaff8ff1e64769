package linkauth

import (
	"errors"
	"path/filepath"
	"testing"
)

func testSignals() EnvironmentSignals {
	return EnvironmentSignals{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64)",
		Locale:         "en-US",
		TimezoneOffset: -300,
		ScreenWidth:    1920,
		ScreenHeight:   1080,
		SurfaceHash:    "c0ffee",
	}
}

func TestDeviceIDDeterministic(t *testing.T) {
	a := NewDeviceIdentity(testSignals(), nil)
	b := NewDeviceIdentity(testSignals(), nil)

	if a.DeviceID() != b.DeviceID() {
		t.Error("Same signals should yield the same device ID")
	}
	if a.DeviceID() != a.DeviceID() {
		t.Error("Device ID should be stable across calls")
	}

	changed := testSignals()
	changed.ScreenWidth = 2560
	if NewDeviceIdentity(changed, nil).DeviceID() == a.DeviceID() {
		t.Error("Different signals should yield a different device ID")
	}
}

func TestDeviceIDPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device-id")
	store := &FileDeviceStore{Path: path}

	first := NewDeviceIdentity(testSignals(), store).DeviceID()

	// A later process with different signals still loads the stored ID.
	changed := testSignals()
	changed.UserAgent = "Mozilla/5.0 (Macintosh)"
	second := NewDeviceIdentity(changed, store).DeviceID()

	if first != second {
		t.Errorf("Persisted device ID should win: %q != %q", first, second)
	}
}

// Device store fake whose writes always fail
type brokenDeviceStore struct{}

func (brokenDeviceStore) LoadDeviceID() (string, error) { return "", errors.New("unavailable") }
func (brokenDeviceStore) SaveDeviceID(string) error     { return errors.New("unavailable") }

func TestDeviceIDStoreFailureFallsBack(t *testing.T) {
	identity := NewDeviceIdentity(testSignals(), brokenDeviceStore{})

	id := identity.DeviceID()
	if id == "" {
		t.Fatal("Device ID should never be empty")
	}
	if identity.DeviceID() != id {
		t.Error("In-memory fallback should be stable within the process")
	}
}
