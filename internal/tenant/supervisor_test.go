package tenant

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ArduPilot/UDPProxy/internal/mavlink"
	"github.com/ArduPilot/UDPProxy/internal/metrics"
	"github.com/ArduPilot/UDPProxy/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "keys.tdb"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func buildUnsigned(t *testing.T) []byte {
	t.Helper()
	f := &mavlink.Frame{SysID: 1, CompID: 1, MsgID: 0, Payload: make([]byte, 9)}
	if err := mavlink.Finalize(f, 1, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return f.Raw
}

// TestBootstrapOpensTenantSockets verifies that a tenant record in the
// store results in all four of its sockets being open after Bootstrap.
func TestBootstrapOpensTenantSockets(t *testing.T) {
	db := openTestStore(t)
	rec := store.Record{Magic: store.RecordMagic, Port1: 0}
	if err := db.Save(19000, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := New(db, metrics.New(), nil, time.Hour, nil)
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if s.TenantCount() != 1 {
		t.Fatalf("TenantCount = %d, want 1", s.TenantCount())
	}

	tn := s.tenants[19000]
	if tn.sockets.UDP1 == nil || tn.sockets.UDP2 == nil || tn.sockets.TCP1 == nil || tn.sockets.TCP2 == nil {
		t.Fatalf("expected all four sockets open, got %+v", tn.sockets)
	}
}

// TestRunSpawnsWorkerOnVehicleTraffic checks that a tenant whose vehicle
// UDP socket receives a packet gets a worker spawned (the tenant turns
// busy). It does not wait for the worker to be reaped.
func TestRunSpawnsWorkerOnVehicleTraffic(t *testing.T) {
	db := openTestStore(t)
	rec := store.Record{Magic: store.RecordMagic, Port1: 0}
	if err := db.Save(19001, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s := New(db, metrics.New(), nil, time.Hour, nil)
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	udp1Addr := s.tenants[19001].sockets.UDP1.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	vehicle, err := net.DialUDP("udp4", nil, udp1Addr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer vehicle.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := vehicle.Write(buildUnsigned(t)); err != nil {
			t.Fatalf("vehicle write: %v", err)
		}

		s.mu.Lock()
		busy := s.tenants[19001].busy
		s.mu.Unlock()
		if busy {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("supervisor never marked tenant 19001 busy after vehicle traffic")
}
