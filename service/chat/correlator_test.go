package chat

import (
	"context"
	"testing"
	"time"

	"commune/service/proto"
)

func TestCorrelatorRoutesResponses(t *testing.T) {
	c := NewCorrelator(time.Second)

	id1, ch1 := c.Register()
	id2, ch2 := c.Register()
	if id1 == id2 {
		t.Fatalf("duplicate request ids: %d", id1)
	}
	if id2 != id1+1 {
		t.Errorf("ids not sequential: %d then %d", id1, id2)
	}

	if !c.Complete(proto.Response{ID: id2, Ok: proto.NoData{}}) {
		t.Fatal("complete of pending request reported no waiter")
	}
	resp, err := c.Await(context.Background(), id2, ch2)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp.ID != id2 {
		t.Errorf("got response for %d, want %d", resp.ID, id2)
	}

	// Out of order is fine.
	c.Complete(proto.Response{ID: id1, Err: proto.ErrInvalidRoom})
	resp, err = c.Await(context.Background(), id1, ch1)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp.Err != proto.ErrInvalidRoom {
		t.Errorf("err = %v, want invalid_room", resp.Err)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator(20 * time.Millisecond)
	id, ch := c.Register()

	_, err := c.Await(context.Background(), id, ch)
	if err != proto.ErrTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}

	// The response arriving after the waiter gave up is a no-op.
	if c.Complete(proto.Response{ID: id, Ok: proto.NoData{}}) {
		t.Error("late response found a waiter")
	}
}

func TestCorrelatorUnknownIDNoOp(t *testing.T) {
	c := NewCorrelator(time.Second)
	if c.Complete(proto.Response{ID: 999}) {
		t.Error("never-issued id found a waiter")
	}
}

func TestCorrelatorCloseFailsWaiters(t *testing.T) {
	c := NewCorrelator(time.Minute)
	id, ch := c.Register()

	done := make(chan error, 1)
	go func() {
		_, err := c.Await(context.Background(), id, ch)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await after close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not return after close")
	}
}
