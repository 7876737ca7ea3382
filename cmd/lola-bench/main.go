// Command lola-bench drives publish/receive load against a single-process
// skeleton and proxy pair at a chosen quality level and prints the
// resulting metrics. It exercises the binding's hot path under sustained
// load; it does not benchmark cross-process shared memory. The two
// dropped-notification lines print the skeleton Metrics counters, which
// the skeleton's publish path does not increment, so they read zero.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	lola "github.com/ehrlich-b/lola-shm"
	"github.com/ehrlich-b/lola-shm/internal/config"
	"github.com/ehrlich-b/lola-shm/internal/logging"
	"github.com/ehrlich-b/lola-shm/wire"
)

func main() {
	var (
		serviceID  = flag.Int("service-id", 42, "service id to offer")
		instanceID = flag.Int("instance-id", 1, "instance id to offer")
		duration   = flag.Duration("duration", 5*time.Second, "how long to drive load")
		asilB      = flag.Bool("asil-b", false, "offer and consume at ASIL-B quality instead of QM")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	runID := uuid.New().String()
	logger.Info("starting run", "run_id", runID)

	asilLevel := "QM"
	if *asilB {
		asilLevel = "ASIL-B"
	}

	cfg := &config.ServiceConfig{
		ServiceID:        uint16(*serviceID),
		InstanceID:       uint16(*instanceID),
		InstanceUID:      1000,
		ASILLevel:        asilLevel,
		ShmSizeCalcMode:  config.SizingModeEstimate,
		MaxUidPidEntries: 50,
		Events: []config.EventConfig{
			{Name: "bench-event", ElementID: 1, MaxSamples: 8, MaxSubscribers: 16, SampleSize: 64},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sk := lola.NewSkeleton(ctx, cfg)
	if err := sk.PrepareOffer(); err != nil {
		logger.Error("failed to offer service", "error", err)
		os.Exit(1)
	}
	defer sk.PrepareStopOffer()

	event := wire.ElementFqId{
		ServiceID:   cfg.ServiceID,
		InstanceID:  cfg.InstanceID,
		ElementID:   1,
		ElementType: wire.ElementTypeEvent,
	}

	px, err := lola.Create(lola.ProxyOptions{
		ServiceID:  cfg.ServiceID,
		InstanceID: cfg.InstanceID,
		UID:        2000,
		ASILB:      *asilB,
	})
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}
	defer px.Close()
	if err := px.Subscribe(event, 2); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	logger.Info("driving load",
		"service_id", cfg.ServiceID, "instance_id", cfg.InstanceID,
		"quality_level", asilLevel, "duration", duration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	deadline := time.Now().Add(*duration)
	payload := make([]byte, 64)
loop:
	for time.Now().Before(deadline) {
		select {
		case <-sigCh:
			break loop
		default:
		}
		if err := sk.Publish(event, payload); err != nil {
			logger.Debug("publish failed", "error", err)
		}
		if _, err := px.Receive(event); err == nil {
			px.Release(event)
		}
		time.Sleep(time.Millisecond)
	}

	skSnap := sk.Metrics().Snapshot()
	pxSnap := px.Metrics().Snapshot()
	fmt.Printf("run id:         %s\n", runID)
	fmt.Printf("quality level:  %s\n", asilLevel)
	fmt.Printf("publish ops:    %d\n", skSnap.PublishOps)
	fmt.Printf("publish errors: %d\n", skSnap.PublishErrors)
	fmt.Printf("receive ops:    %d\n", pxSnap.ReceiveOps)
	fmt.Printf("receive errors: %d\n", pxSnap.ReceiveErrors)
	fmt.Printf("avg latency:    %d ns\n", skSnap.AvgLatencyNs)
	fmt.Printf("p99 latency:    %d ns\n", skSnap.LatencyP99Ns)
	fmt.Printf("dropped (QM):   %d\n", skSnap.DroppedNotificationsQM)
	fmt.Printf("dropped (ASIL): %d\n", skSnap.DroppedNotificationsASILB)
}
