package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// dumpFile is the serialized registry. The allocator rides along so ids stay
// monotonic across daemon restarts.
type dumpFile struct {
	NextID int              `json:"next_id"`
	List   map[int]*Process `json:"list"`
}

// load reads the dump at r.dumpPath into r. A missing file initializes an
// empty registry and writes it; an unparseable file is quarantined as
// <dump>.corrupted.<timestamp> and replaced with a fresh empty dump.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.dumpPath)
	if os.IsNotExist(err) {
		r.deps.Logger.Printf("[dump] created %s", r.dumpPath)
		return r.Save()
	}
	if err != nil {
		return fmt.Errorf("reading dump %s: %w", r.dumpPath, err)
	}

	var dump dumpFile
	if err := json.Unmarshal(data, &dump); err != nil {
		backup := fmt.Sprintf("%s.corrupted.%d", r.dumpPath, time.Now().Unix())
		if qerr := quarantine(r.dumpPath, backup); qerr != nil {
			r.deps.Logger.Printf("[dump] failed to back up corrupted dump: %v", qerr)
		} else {
			r.deps.Logger.Printf("[dump] corrupted dump backed up to %s: %v", backup, err)
		}
		r.nextID = 0
		r.procs = map[int]*Process{}
		return r.Save()
	}

	r.nextID = dump.NextID
	r.procs = dump.List
	if r.procs == nil {
		r.procs = map[int]*Process{}
	}
	// Never hand out an id below an existing one, whatever the stored
	// allocator says.
	if max := r.Size(); r.nextID <= max {
		r.nextID = max + 1
	}
	return nil
}

// writeDump serializes the registry deterministically and writes it in one
// step.
func writeDump(path string, r *Registry) error {
	dump := dumpFile{NextID: r.nextID, List: r.procs}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing dump %s: %w", path, err)
	}
	return nil
}

// Raw returns the dump bytes as stored on disk, writing the current snapshot
// first if the file does not exist yet.
func (r *Registry) Raw() ([]byte, error) {
	if r.dumpPath == "" {
		dump := dumpFile{NextID: r.nextID, List: r.procs}
		return json.MarshalIndent(dump, "", "  ")
	}
	if _, err := os.Stat(r.dumpPath); os.IsNotExist(err) {
		if err := r.Save(); err != nil {
			return nil, err
		}
	}
	return os.ReadFile(r.dumpPath)
}

// quarantine moves a corrupted dump aside, falling back to copy+delete when
// rename fails (for example across filesystems).
func quarantine(path, backup string) error {
	if err := os.Rename(path, backup); err == nil {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(backup)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
