package cache

import (
	"context"
	"errors"
	"testing"
)

func TestBoltStoreContract(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	defer s.Close()
	testStoreContract(t, s)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBoltStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "dynamic-cache-v7", "database-id-cache-key", entry(200, `{"results":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s, err = NewBoltStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok, err := s.Match(ctx, "dynamic-cache-v7", "database-id-cache-key")
	if err != nil || !ok {
		t.Fatalf("match after reopen: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != `{"results":[]}` {
		t.Fatalf("unexpected body %s", got.Body)
	}
}

func TestBoltStoreClosedReportsUnavailable(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()
	if err := s.Put(context.Background(), "ns", "k", entry(200, "x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
