package archive

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/gaspardpetit/qmaster/internal/query"
)

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	for id := uint32(0); id < 3; id++ {
		if err := s.Put(ctx, query.View{ID: id, State: "EXIT"}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, ok, _ := s.Get(ctx, 0); ok {
		t.Fatalf("oldest record should be evicted")
	}
	for _, id := range []uint32{1, 2} {
		if _, ok, _ := s.Get(ctx, id); !ok {
			t.Fatalf("record %d missing", id)
		}
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(1)
	_ = s.Put(ctx, query.View{ID: 4, Reason: "a"})
	_ = s.Put(ctx, query.View{ID: 4, Reason: "b"})
	rec, ok, _ := s.Get(ctx, 4)
	if !ok || rec.Reason != "b" {
		t.Fatalf("rec = %+v ok=%v", rec, ok)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()
	s, err := NewRedisStore(ctx, mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(3 * time.Second)
	in := query.View{ID: 9, Path: "/tmp/q9", Priority: 2, PC: 17, State: "EXIT", Reason: "OK", CreatedAt: created, FinishedAt: &finished}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, ok, err := s.Get(ctx, 9)
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if out.Path != in.Path || out.Priority != 2 || out.PC != 17 || out.Reason != "OK" || !out.CreatedAt.Equal(created) {
		t.Fatalf("got %+v", out)
	}
	if out.FinishedAt == nil || !out.FinishedAt.Equal(finished) {
		t.Fatalf("finished_at = %v", out.FinishedAt)
	}
	if ttl := mr.TTL(key(9)); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, 9); ok {
		t.Fatalf("record should have expired")
	}
}
