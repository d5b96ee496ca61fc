package lock

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGuardBlocksDuplicates(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	ctx := context.Background()

	if !g.Acquire(ctx, "t1") {
		t.Fatal("first acquire should succeed")
	}
	if g.Acquire(ctx, "t1") {
		t.Fatal("duplicate acquire should fail while held")
	}
	if !g.Acquire(ctx, "t2") {
		t.Fatal("other trips are independent")
	}

	g.Release(ctx, "t1")
	if !g.Acquire(ctx, "t1") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestMemoryGuardExpires(t *testing.T) {
	g := NewMemoryGuard(10 * time.Millisecond)
	ctx := context.Background()

	if !g.Acquire(ctx, "t1") {
		t.Fatal("first acquire should succeed")
	}
	time.Sleep(20 * time.Millisecond)
	if !g.Acquire(ctx, "t1") {
		t.Fatal("expired guard should be reclaimable")
	}
}
