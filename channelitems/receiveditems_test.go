package channelitems

import "testing"

func TestMaterializeResurrectsSameProxyOnSecondArrival(t *testing.T) {
	r := NewReceivedItems(func() uint64 { return 0 }, nil)

	p1 := r.Materialize(1, KindCallback)
	p2 := r.Materialize(1, KindCallback)

	if p1 != p2 {
		t.Fatal("expected the same proxy instance on a second arrival of the same id")
	}
}

func TestReleaseFiresNotifyExactlyOnce(t *testing.T) {
	var calls int
	var lastID int64
	var lastTime uint64

	seq := uint64(10)
	r := NewReceivedItems(func() uint64 { return seq }, func(id int64, time uint64) {
		calls++
		lastID, lastTime = id, time
	})

	p := r.Materialize(7, KindReadable)
	p.Release()
	p.Release() // idempotent

	if calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", calls)
	}
	if lastID != 7 || lastTime != 10 {
		t.Fatalf("unexpected notification payload: id=%d time=%d", lastID, lastTime)
	}
	if r.Len() != 0 {
		t.Fatalf("expected proxy to be forgotten after release, Len() = %d", r.Len())
	}
}

func TestMaterializeAfterReleaseMintsFreshProxy(t *testing.T) {
	r := NewReceivedItems(func() uint64 { return 1 }, func(int64, uint64) {})

	p1 := r.Materialize(3, KindCallback)
	p1.Release()

	p2 := r.Materialize(3, KindCallback)
	if p1 == p2 {
		t.Fatal("expected a fresh proxy after the previous one was released")
	}
}

func TestClearReleasesEverythingWithoutPanicking(t *testing.T) {
	r := NewReceivedItems(func() uint64 { return 0 }, nil)
	r.Materialize(1, KindCallback)
	r.Materialize(2, KindReadable)
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected 0 after Clear, got %d", r.Len())
	}
}
