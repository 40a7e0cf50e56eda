package netutil

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestPollReportsReadyUDPSocket(t *testing.T) {
	a, err := ListenUDP(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	defer b.Close()

	fdA, err := FD(a)
	if err != nil {
		t.Fatalf("FD: %v", err)
	}
	fdB, err := FD(b)
	if err != nil {
		t.Fatalf("FD: %v", err)
	}

	if ready, err := Poll([]int{fdA, fdB}, 20*time.Millisecond); err != nil || ready != nil {
		t.Fatalf("expected no ready fds before any data arrives, got %v, %v", ready, err)
	}

	if _, err := b.WriteToUDP([]byte("hi"), a.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	ready, err := Poll([]int{fdA, fdB}, 2*time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(ready) != 1 || ready[0] != 0 {
		t.Fatalf("expected only index 0 (a) ready, got %v", ready)
	}
}

func TestPollSkipsNegativeFDs(t *testing.T) {
	ready, err := Poll([]int{-1, -1}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ready != nil {
		t.Fatalf("expected nil ready set when every fd is -1, got %v", ready)
	}
}
