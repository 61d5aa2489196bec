package flow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileCheckpoints_SaveLoadDelete(t *testing.T) {
	s, err := NewFileCheckpoints(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCheckpoints: %v", err)
	}

	cp := &Checkpoint{
		FlowID:   "flow-1",
		FlowType: "test/ping",
		State:    []byte("state-v1"),
		Awaiting: "sess-1",
		Sessions: []SessionRecord{{ID: "sess-1", Peer: "bob"}},
	}
	if err := s.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("flow-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.FlowType != cp.FlowType || string(got.State) != "state-v1" || got.Awaiting != "sess-1" {
		t.Fatalf("loaded checkpoint mismatch: %+v", got)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].Peer != "bob" {
		t.Fatalf("sessions mismatch: %+v", got.Sessions)
	}

	// Save replaces the previous checkpoint for the same flow.
	cp.State = []byte("state-v2")
	cp.Awaiting = "sess-2"
	if err := s.Save(cp); err != nil {
		t.Fatalf("Save replace: %v", err)
	}
	got, err = s.Load("flow-1")
	if err != nil {
		t.Fatalf("Load after replace: %v", err)
	}
	if string(got.State) != "state-v2" || got.Awaiting != "sess-2" {
		t.Fatalf("replaced checkpoint mismatch: %+v", got)
	}

	if err := s.Delete("flow-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load("flow-1"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Load after delete: got %v want ErrNoCheckpoint", err)
	}
	// Deleting a missing checkpoint is a no-op.
	if err := s.Delete("flow-1"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestFileCheckpoints_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileCheckpoints(dir)
	if err != nil {
		t.Fatalf("NewFileCheckpoints: %v", err)
	}
	if err := s.Save(&Checkpoint{FlowID: "flow-1", FlowType: "t", State: []byte("x")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "flow-1"+ckptSuffix)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	b[len(b)/2] ^= 0xff
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := s.Load("flow-1"); err == nil {
		t.Fatalf("Load accepted a corrupted checkpoint")
	}
}

func TestFileCheckpoints_ListSkipsCorrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileCheckpoints(dir)
	if err != nil {
		t.Fatalf("NewFileCheckpoints: %v", err)
	}
	if err := s.Save(&Checkpoint{FlowID: "good", FlowType: "t", State: []byte("x")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad"+ckptSuffix), []byte("junk"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cps, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) != 1 || cps[0].FlowID != "good" {
		t.Fatalf("List: got %d checkpoints, want only the intact one", len(cps))
	}
}
