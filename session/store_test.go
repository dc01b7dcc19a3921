package session

import (
	"context"
	"errors"
	"io/fs"
	"testing"
)

func TestMemoryStoreLoadMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestMemoryStoreVersionMustGrow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Save(ctx, CookieSession{State: State{ID: "u1", Version: 1}}); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	if err := s.Save(ctx, CookieSession{State: State{ID: "u1", Version: 1}}); err == nil {
		t.Fatal("expected rejection of non-increasing version")
	}
	if err := s.Save(ctx, CookieSession{State: State{ID: "u1", Version: 2}}); err != nil {
		t.Fatalf("Save v2: %v", err)
	}
}

func TestMemoryStoreIsLatest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Save(ctx, CookieSession{State: State{ID: "u1", Version: 5}})

	latest, err := s.IsLatest(ctx, "u1", 5)
	if err != nil || !latest {
		t.Fatalf("expected version 5 to be latest, got latest=%v err=%v", latest, err)
	}

	latest, err = s.IsLatest(ctx, "u1", 3)
	if err != nil || latest {
		t.Fatalf("expected version 3 to be outdated, got latest=%v err=%v", latest, err)
	}
}
