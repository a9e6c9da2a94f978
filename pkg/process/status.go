package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mindie/ms-controller/pkg/types"
)

// StrictFileMode is the maximum permission mode accepted for the
// Process Status File in strict mode (spec §6).
const StrictFileMode = 0640

// Writer persists Node Status Store snapshots to the Process Status
// File under a POSIX flock, with atomic tmp-then-rename replacement
// (spec §4.F step 7).
type Writer struct {
	path string
}

// NewWriter targets the given file path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) lockPath() string { return w.path + ".lock" }
func (w *Writer) tmpPath() string  { return w.path + ".tmp" }

// Write serializes live and faulty nodes plus the ID counter, merging in
// any existing processedSwitchFaults passthrough already on disk, and
// atomically replaces the status file.
//
// Sequence: acquire exclusive flock on <path>.lock, read back any
// existing processed_switch_faults, write <path>.tmp, rename(tmp, path),
// release lock — the pairing of flock and rename is what makes this
// durable against both concurrent Controllers and crashes (spec §4.F.7).
func (w *Writer) Write(live, faulty []*types.NodeInfo, instanceStartID uint64) error {
	lock, err := AcquireFileLock(w.lockPath(), true)
	if err != nil {
		return fmt.Errorf("acquire process status lock: %w", err)
	}
	defer lock.Close()

	var passthrough interface{}
	if existing, err := w.readLocked(); err == nil && existing != nil {
		passthrough = existing.ProcessedSwitchFaults
	}

	doc := types.ProcessStatusFile{
		Server:                append(append([]types.NodeInfo{}, flatten(live)...), flatten(faulty)...),
		InstanceStartIDNumber: instanceStartID,
		ProcessedSwitchFaults: passthrough,
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal process status file: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create process status dir: %w", err)
	}

	if err := os.WriteFile(w.tmpPath(), raw, 0640); err != nil {
		return fmt.Errorf("write tmp process status file: %w", err)
	}
	if err := os.Rename(w.tmpPath(), w.path); err != nil {
		return fmt.Errorf("rename process status file: %w", err)
	}

	return nil
}

func flatten(nodes []*types.NodeInfo) []types.NodeInfo {
	out := make([]types.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n.Clone())
	}
	return out
}

// readLocked reads the current file assuming the caller already holds
// the lock.
func (w *Writer) readLocked() (*types.ProcessStatusFile, error) {
	return read(w.path, false)
}

// Read loads and validates the Process Status File for recovery (spec
// §4.F step 1). A missing file is not an error: it signals a true cold
// start. Permission mode is checked in strict mode; validation failures
// are returned to the caller, who must log and ignore per spec (never
// crash on a bad recovery file).
func Read(path string, strict bool) (*types.ProcessStatusFile, error) {
	return read(path, strict)
}

func read(path string, strict bool) (*types.ProcessStatusFile, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat process status file: %w", err)
	}

	if strict {
		mode := info.Mode().Perm()
		if mode&^os.FileMode(StrictFileMode) != 0 {
			return nil, fmt.Errorf("process status file %s has mode %04o, exceeds strict ceiling %04o", path, mode, StrictFileMode)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process status file: %w", err)
	}

	var doc types.ProcessStatusFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse process status file: %w", err)
	}

	return &doc, nil
}
