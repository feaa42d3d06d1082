// Command collector runs the host-side agent: for each enabled modality
// it maintains a local WAL and an uploader draining it to the backend,
// and maintains the ControlStream registration/heartbeat handshake.
// Capture adapters themselves (the OS/application hooks that actually
// produce records) are out of scope; this process exercises the
// transport and durability machinery around them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lifelogpipe/internal/config"
	"lifelogpipe/pkg/uploader"
	"lifelogpipe/pkg/wal"
	"lifelogpipe/pkg/wire"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()
	if configFile == "" {
		configFile = os.Getenv("LIFELOG_COLLECTOR_CONFIG")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log)

	if err := run(configFile, entry); err != nil {
		entry.WithError(err).Fatal("collector: fatal error")
	}
}

func run(configFile string, log *logrus.Entry) error {
	cfg, err := config.LoadCollectorConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wals := make(map[string]*wal.WAL)
	for modality, mc := range cfg.Modalities {
		if !mc.Enabled {
			continue
		}
		w, err := wal.Open(filepath.Join(cfg.DataDir, cfg.CollectorID), modality, log)
		if err != nil {
			return err
		}
		defer w.Close()
		wals[modality] = w
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runControlLoop(ctx, cfg, wals, log)
	}()

	for modality, w := range wals {
		stream := wire.StreamIdentity{CollectorID: cfg.CollectorID, StreamID: modality, SessionID: 0}
		up := uploader.New(uploader.Config{
			Stream:           stream,
			GetUploadOffset:  httpGetUploadOffset(cfg.BackendAddr, stream),
			DialUploadChunks: dialUploadChunks(cfg.BackendAddr),
		}, w, log)

		wg.Add(1)
		go func(u *uploader.Uploader) {
			defer wg.Done()
			if err := u.Run(ctx); err != nil {
				log.WithError(err).Error("collector: uploader exited")
			}
		}(up)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("collector: shutting down")
	cancel()
	wg.Wait()
	return nil
}

// runControlLoop maintains the ControlStream handshake: Register once,
// then periodic State reports carrying the device clock for skew
// estimation (spec §4.4), reconnecting on any stream error.
func runControlLoop(ctx context.Context, cfg config.CollectorConfig, wals map[string]*wal.WAL, log *logrus.Entry) {
	backoffDelay := time.Second
	for ctx.Err() == nil {
		if err := runControlSession(ctx, cfg, wals, log); err != nil {
			log.WithError(err).Warn("collector: control stream ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay):
		}
	}
}

func runControlSession(ctx context.Context, cfg config.CollectorConfig, wals map[string]*wal.WAL, log *logrus.Entry) error {
	conn, err := dialControlStream(ctx, cfg.BackendAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	modalityJSON := make(map[string]string, len(cfg.Modalities))
	for name, mc := range cfg.Modalities {
		modalityJSON[name] = mc.Interval
	}
	register := wire.ControlMessage{
		CollectorID: cfg.CollectorID,
		Kind:        wire.ControlRegister,
		Register:    &wire.CollectorConfig{CollectorID: cfg.CollectorID, ModalityJSON: modalityJSON},
	}
	if err := conn.Send(register); err != nil {
		return err
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			bufSizes := make(map[string]int64, len(wals))
			for modality, w := range wals {
				bufSizes[modality] = w.EndOffset() - w.CommittedOffset()
			}
			state := wire.ControlMessage{
				CollectorID: cfg.CollectorID,
				Kind:        wire.ControlState,
				State: &wire.CollectorState{
					CollectorID:       cfg.CollectorID,
					DeviceNow:         time.Now(),
					SourceBufferSizes: bufSizes,
					MemUsedPercent:    hostMemUsedPercent(log),
				},
			}
			if err := conn.Send(state); err != nil {
				return err
			}
		}
	}
}
