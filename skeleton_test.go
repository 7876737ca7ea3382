package lola

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ehrlich-b/lola-shm/flock"
	"github.com/ehrlich-b/lola-shm/internal/config"
	"github.com/ehrlich-b/lola-shm/mpsvc"
	"github.com/ehrlich-b/lola-shm/shm"
	"github.com/ehrlich-b/lola-shm/wire"
)

// redirectTestDirs points every well-known directory (partial-restart
// markers, segments, message-passing ports) at fresh temp directories for
// the duration of one test, so concurrent test processes never contend
// over the real /dev/shm paths.
func redirectTestDirs(t *testing.T) {
	t.Helper()
	prevMarkers, prevSegs, prevPorts := flock.Dir, shm.SegmentDir, mpsvc.PortDir
	flock.Dir = t.TempDir()
	shm.SegmentDir = t.TempDir()
	mpsvc.PortDir = t.TempDir()
	t.Cleanup(func() {
		flock.Dir, shm.SegmentDir, mpsvc.PortDir = prevMarkers, prevSegs, prevPorts
	})
}

func testConfigFor(t *testing.T, serviceID, instanceID uint16) *config.ServiceConfig {
	t.Helper()
	return &config.ServiceConfig{
		ServiceID:        serviceID,
		InstanceID:       instanceID,
		InstanceUID:      1000,
		ASILLevel:        "QM",
		ShmSizeCalcMode:  config.SizingModeEstimate,
		MaxUidPidEntries: 10,
		Events: []config.EventConfig{
			{Name: "speed", ElementID: 1, MaxSamples: 4, MaxSubscribers: 4, SampleSize: 64},
		},
		Methods: []config.MethodConfig{
			{Name: "setTarget", ElementID: 2, QueueDepth: 4, MaxArgSize: 64, MaxResultSize: 64},
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestSkeletonPrepareOfferAndStopOffer(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 900, 1)
	sk := NewSkeleton(ctx, cfg)

	if err := sk.PrepareOffer(); err != nil {
		t.Fatalf("PrepareOffer failed: %v", err)
	}

	event := wire.ElementFqId{ServiceID: 900, InstanceID: 1, ElementID: 1, ElementType: wire.ElementTypeEvent}
	if _, ok := sk.events[wire.Canonical(event)]; !ok {
		t.Fatal("expected event to be registered after PrepareOffer")
	}

	dataPath := shm.DataSegmentPath(900, 1)
	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("expected DATA segment on disk: %v", err)
	}
	qmPath := shm.ControlSegmentPath(900, 1, cfg.InstanceUID, shm.KindControlQM)
	if _, err := os.Stat(qmPath); err != nil {
		t.Fatalf("expected CONTROL-QM segment on disk: %v", err)
	}

	if err := sk.PrepareStopOffer(); err != nil {
		t.Fatalf("PrepareStopOffer failed: %v", err)
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Fatal("expected DATA segment removed after stop offer with no proxies")
	}
}

func TestSkeletonSecondOfferRejected(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 901, 1)
	sk1 := NewSkeleton(ctx, cfg)
	if err := sk1.PrepareOffer(); err != nil {
		t.Fatalf("first PrepareOffer failed: %v", err)
	}
	defer sk1.PrepareStopOffer()

	sk2 := NewSkeleton(ctx, cfg)
	if err := sk2.PrepareOffer(); err == nil {
		t.Fatal("expected second PrepareOffer for the same instance to fail")
	}
	// The refused offer must not have touched the live one's segments.
	if _, err := os.Stat(shm.DataSegmentPath(901, 1)); err != nil {
		t.Fatalf("expected surviving DATA segment: %v", err)
	}
}

func TestSkeletonPublishLeavesCleanTracingLog(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 902, 1)
	sk := NewSkeleton(ctx, cfg)
	if err := sk.PrepareOffer(); err != nil {
		t.Fatalf("PrepareOffer failed: %v", err)
	}
	defer sk.PrepareStopOffer()

	event := wire.ElementFqId{ServiceID: 902, InstanceID: 1, ElementID: 1, ElementType: wire.ElementTypeEvent}
	if err := sk.Publish(event, []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev := sk.events[wire.Canonical(event)]
	lg := ev.primaryLogSet().SkeletonLog()
	for i := 0; i < ev.comp.NumSlots(); i++ {
		if lg.RefSlot(i).Pending() {
			t.Fatalf("expected no pending tracing marker after a clean publish, slot %d", i)
		}
	}
	idx, ok := ev.qm.DataControl.LatestReady()
	if !ok {
		t.Fatal("expected a ready slot after publish")
	}
	payload := ev.qm.DataControl.PayloadAt(idx)
	if string(payload[:5]) != "hello" {
		t.Fatalf("expected published bytes in DATA payload, got %q", payload[:5])
	}
}

func TestSkeletonRejectsOversizedPayload(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 903, 1)
	sk := NewSkeleton(ctx, cfg)
	if err := sk.PrepareOffer(); err != nil {
		t.Fatalf("PrepareOffer failed: %v", err)
	}
	defer sk.PrepareStopOffer()

	event := wire.ElementFqId{ServiceID: 903, InstanceID: 1, ElementID: 1, ElementType: wire.ElementTypeEvent}
	if err := sk.Publish(event, make([]byte, 65)); err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
	// The aborted claim must not leak the slot.
	for i := 0; i < 4; i++ {
		if err := sk.Publish(event, []byte("ok")); err != nil {
			t.Fatalf("expected subsequent publishes to succeed, got %v", err)
		}
	}
}

func TestSkeletonASILBCreatesBothControlSegments(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 904, 1)
	cfg.ASILLevel = "ASIL-B"
	sk := NewSkeleton(ctx, cfg)
	if err := sk.PrepareOffer(); err != nil {
		t.Fatalf("PrepareOffer failed: %v", err)
	}
	defer sk.PrepareStopOffer()

	if _, err := os.Stat(shm.ControlSegmentPath(904, 1, cfg.InstanceUID, shm.KindControlQM)); err != nil {
		t.Fatalf("expected CONTROL-QM segment: %v", err)
	}
	if _, err := os.Stat(shm.ControlSegmentPath(904, 1, cfg.InstanceUID, shm.KindControlASILB)); err != nil {
		t.Fatalf("expected CONTROL-ASIL-B segment: %v", err)
	}

	event := wire.ElementFqId{ServiceID: 904, InstanceID: 1, ElementID: 1, ElementType: wire.ElementTypeEvent}
	if err := sk.Publish(event, []byte("dual")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	ev := sk.events[wire.Canonical(event)]
	qmIdx, ok := ev.qm.DataControl.LatestReady()
	if !ok {
		t.Fatal("expected QM ring to see the publish")
	}
	bIdx, ok := ev.asilB.DataControl.LatestReady()
	if !ok {
		t.Fatal("expected ASIL-B ring to see the publish")
	}
	if qmIdx != bIdx {
		t.Fatalf("expected both rings to agree on the slot, got %d vs %d", qmIdx, bIdx)
	}
}

func TestSkeletonReopenAfterCrashKeepsSubscriptions(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 905, 1)
	sk1 := NewSkeleton(ctx, cfg)
	if err := sk1.PrepareOffer(); err != nil {
		t.Fatalf("PrepareOffer failed: %v", err)
	}

	event := wire.ElementFqId{ServiceID: 905, InstanceID: 1, ElementID: 1, ElementType: wire.ElementTypeEvent}
	p, err := Create(ProxyOptions{ServiceID: 905, InstanceID: 1, UID: 42, PID: 20001})
	if err != nil {
		t.Fatalf("proxy Create failed: %v", err)
	}
	defer p.Close()
	if err := p.Subscribe(event, 2); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Simulate the skeleton process dying: the kernel would drop its
	// existence lock; its mappings evaporate with it. The segments stay
	// because the proxy still holds the shared usage lock.
	sk1.mp.Stop()
	sk1.existence.Unlock()

	sk2 := NewSkeleton(ctx, cfg)
	if err := sk2.PrepareOffer(); err != nil {
		t.Fatalf("re-offer over surviving proxies failed: %v", err)
	}
	defer sk2.PrepareStopOffer()

	ev := sk2.events[wire.Canonical(event)]
	if got := ev.qm.SubscriptionControl.SubscriberCount(); got != 1 {
		t.Fatalf("expected the survivor's subscription intact after re-open, got %d", got)
	}

	if err := sk2.Publish(event, []byte("again")); err != nil {
		t.Fatalf("Publish after re-open failed: %v", err)
	}
	payload, err := p.Receive(event)
	if err != nil {
		t.Fatalf("Receive after provider restart failed: %v", err)
	}
	if string(payload[:5]) != "again" {
		t.Fatalf("expected new provider's bytes, got %q", payload[:5])
	}
	p.Release(event)
}

func TestSkeletonStopOfferLeavesSegmentsWhileProxyAttached(t *testing.T) {
	redirectTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfigFor(t, 906, 1)
	sk := NewSkeleton(ctx, cfg)
	if err := sk.PrepareOffer(); err != nil {
		t.Fatalf("PrepareOffer failed: %v", err)
	}

	p, err := Create(ProxyOptions{ServiceID: 906, InstanceID: 1, UID: 7, PID: 20002})
	if err != nil {
		t.Fatalf("proxy Create failed: %v", err)
	}
	defer p.Close()

	if err := sk.PrepareStopOffer(); err != nil {
		t.Fatalf("PrepareStopOffer failed: %v", err)
	}
	if _, err := os.Stat(shm.DataSegmentPath(906, 1)); err != nil {
		t.Fatal("expected DATA segment to survive while a proxy holds the usage lock")
	}
}
