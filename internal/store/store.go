// Package store persists device trust and pairing records as per-tenant JSON
// files under a data directory. Writes are atomic (write-temp-then-rename) so
// a crash never leaves a half-written trust file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrInvalidGUID is returned when a pairing operation names a tenant that is
// not a UUID. GUIDs double as file names, so this also blocks path traversal.
var ErrInvalidGUID = errors.New("invalid guid")

// Paths locates the persistent files for one data directory.
type Paths struct {
	TrustedDevicesPath string
	CcboxesPath        string
	PairingsDir        string
}

// NewPaths builds the store layout rooted at dataDir.
func NewPaths(dataDir string) Paths {
	return Paths{
		TrustedDevicesPath: filepath.Join(dataDir, "trusted_devices.json"),
		CcboxesPath:        filepath.Join(dataDir, "ccboxes.json"),
		PairingsDir:        filepath.Join(dataDir, "pairings"),
	}
}

func atomicWriteJSON(path string, value any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// readJSONFile reads path into out. It reports found=false when the file does
// not exist, which callers treat as an empty store.
func readJSONFile(path string, out any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// LoadTrustedDevices reads trusted_devices.json, returning an empty file when
// none exists yet.
func LoadTrustedDevices(paths Paths) (TrustedDevicesFile, error) {
	var file TrustedDevicesFile
	if _, err := readJSONFile(paths.TrustedDevicesPath, &file); err != nil {
		return TrustedDevicesFile{}, err
	}
	return file, nil
}

// SaveTrustedDevices atomically replaces trusted_devices.json.
func SaveTrustedDevices(paths Paths, file TrustedDevicesFile) error {
	return atomicWriteJSON(paths.TrustedDevicesPath, file)
}

// LoadCcboxes reads ccboxes.json, returning an empty file when none exists.
func LoadCcboxes(paths Paths) (CcboxesFile, error) {
	var file CcboxesFile
	if _, err := readJSONFile(paths.CcboxesPath, &file); err != nil {
		return CcboxesFile{}, err
	}
	return file, nil
}

// SaveCcboxes atomically replaces ccboxes.json.
func SaveCcboxes(paths Paths, file CcboxesFile) error {
	return atomicWriteJSON(paths.CcboxesPath, file)
}

func pairingPath(paths Paths, guid string) (string, error) {
	if _, err := uuid.Parse(guid); err != nil {
		return "", ErrInvalidGUID
	}
	return filepath.Join(paths.PairingsDir, guid+".json"), nil
}

// LoadPairing reads the pairing record for guid, or nil when absent.
func LoadPairing(paths Paths, guid string) (*PairingRecord, error) {
	path, err := pairingPath(paths, guid)
	if err != nil {
		return nil, err
	}
	var record PairingRecord
	found, err := readJSONFile(path, &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &record, nil
}

// SavePairing atomically writes the pairing record for guid.
func SavePairing(paths Paths, guid string, record PairingRecord) error {
	path, err := pairingPath(paths, guid)
	if err != nil {
		return err
	}
	return atomicWriteJSON(path, record)
}

// DeletePairing removes the pairing record for guid. Deleting a record that
// does not exist is not an error.
func DeletePairing(paths Paths, guid string) error {
	path, err := pairingPath(paths, guid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete pairing: %w", err)
	}
	return nil
}
