package flow

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	ckptFilePerm = 0o600
	ckptDirPerm  = 0o700
	ckptSuffix   = ".ckpt"
	maxCkptSize  = 64 * 1024 * 1024
)

// FileCheckpoints persists one file per suspended flow. Each record is
// written length-prefixed with a CRC32 trailer to a temp file and renamed
// into place, so a crash mid-save leaves the previous checkpoint intact and
// a torn write is detected on load rather than replayed.
type FileCheckpoints struct {
	mu  sync.Mutex
	dir string
}

func NewFileCheckpoints(dir string) (*FileCheckpoints, error) {
	if dir == "" {
		return nil, fmt.Errorf("flow: checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, ckptDirPerm); err != nil {
		return nil, fmt.Errorf("flow: create checkpoint directory: %w", err)
	}
	return &FileCheckpoints{dir: dir}, nil
}

func (s *FileCheckpoints) Save(cp *Checkpoint) error {
	data, err := ckptEnc.Marshal(cp)
	if err != nil {
		return err
	}
	framed := make([]byte, 4+len(data)+4)
	binary.BigEndian.PutUint32(framed[:4], uint32(len(data)))
	copy(framed[4:], data)
	binary.BigEndian.PutUint32(framed[4+len(data):], crc32.ChecksumIEEE(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(cp.FlowID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, ckptFilePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(framed); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileCheckpoints) Load(flowID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadFile(s.pathFor(flowID))
}

func (s *FileCheckpoints) Delete(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.pathFor(flowID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileCheckpoints) List() ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ckptSuffix) {
			continue
		}
		cp, err := s.loadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// A corrupted checkpoint must not block recovery of the rest.
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *FileCheckpoints) loadFile(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}
	if len(b) < 8 {
		return nil, fmt.Errorf("flow: checkpoint truncated")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if n > maxCkptSize || int(n) != len(b)-8 {
		return nil, fmt.Errorf("flow: checkpoint length corrupted")
	}
	data := b[4 : 4+n]
	want := binary.BigEndian.Uint32(b[4+n:])
	if crc32.ChecksumIEEE(data) != want {
		return nil, fmt.Errorf("flow: checkpoint CRC mismatch")
	}
	var cp Checkpoint
	if err := ckptDec.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *FileCheckpoints) pathFor(flowID string) string {
	return filepath.Join(s.dir, flowID+ckptSuffix)
}

var _ CheckpointStore = (*FileCheckpoints)(nil)
