// Package device manages the identity of the device running opsync. Every
// device has a persistent ULID generated on first start and stored in the
// data directory. It is sent with every remote apply so the backend can tell
// which replica an operation came from.
package device

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "device_id"

// ID is a ULID string that uniquely identifies a device.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Device holds the persistent identity of this device.
type Device struct {
	id      ID
	dataDir string
}

// Open returns a Device whose ID is loaded from dataDir/device_id.
// If the file does not exist a new ULID is generated and written.
// An override other than "" or "auto" is used verbatim and must be a ULID.
func Open(dataDir, override string) (*Device, error) {
	if dataDir == "" {
		return nil, errors.New("device: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("device: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("device: invalid id override %q: %w", override, err)
		}
		return &Device{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Device{id: id, dataDir: dataDir}, nil
}

// ID returns the device's stable ULID.
func (d *Device) ID() ID { return d.id }

// DataDir returns the directory the identity lives in.
func (d *Device) DataDir() string { return d.dataDir }

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, idFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", fmt.Errorf("device: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("device: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("device: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("device: persist id: %w", err)
	}
	return ID(id), nil
}

// A single monotonic entropy source keeps ULIDs generated within the same
// millisecond ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh time-ordered ULID. Sessions use it for their id.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("device.MustNewID: %v", err))
	}
	return id
}
