package autostart

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atom-ide/atomd/internal/config"
	"github.com/atom-ide/atomd/internal/frame"
	"github.com/atom-ide/atomd/internal/wire"
)

func TestEnsureRunning_ConnectsWithoutSpawningWhenDaemonAlreadyUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Answer the mandatory handshake Ping so EnsureRunning succeeds.
		payload, err := frame.Decode(conn, 0)
		if err != nil {
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			return
		}
		pong, _ := wire.Marshal(wire.NewPong(env.RequestID))
		_ = frame.WriteTo(conn, pong, 0)
		<-time.After(50 * time.Millisecond)
	}()

	settings := config.Default()
	settings.Endpoint = ln.Addr().String()
	settings.AutoStart = false // spawning must never be attempted
	settings.DaemonBinary = "/nonexistent/should-not-run"

	sup := New(settings, filepath.Join(t.TempDir(), "ready"), zap.NewNop())
	client, err := sup.EnsureRunning(context.Background())
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	client.Close()

	state, _ := sup.State()
	if state != StateConnected {
		t.Fatalf("state = %v, want Connected", state)
	}
}

func TestEnsureRunning_DisabledAutoStartFailsFastWhenUnreachable(t *testing.T) {
	settings := config.Default()
	settings.Endpoint = "127.0.0.1:1" // nothing listens on a reserved low port
	settings.AutoStart = false

	sup := New(settings, filepath.Join(t.TempDir(), "ready"), zap.NewNop())
	_, err := sup.EnsureRunning(context.Background())
	if err != ErrAutoStartDisabled {
		t.Fatalf("err = %v, want ErrAutoStartDisabled", err)
	}
	state, _ := sup.State()
	if state != StateFailed {
		t.Fatalf("state = %v, want Failed", state)
	}
}

func TestWaitForReady_PollingFallbackObservesMarkerWrittenLate(t *testing.T) {
	dir := t.TempDir()
	readyPath := filepath.Join(dir, "ready")

	settings := config.Default()
	settings.PollIntervalMillis = 10

	sup := New(settings, readyPath, zap.NewNop())

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(readyPath, []byte("1"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.pollForReady(ctx); err != nil {
		t.Fatalf("pollForReady: %v", err)
	}
}

func TestWaitForReady_TimesOutWhenMarkerNeverAppears(t *testing.T) {
	settings := config.Default()
	settings.PollIntervalMillis = 5

	sup := New(settings, filepath.Join(t.TempDir(), "ready"), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := sup.pollForReady(ctx); err == nil {
		t.Fatal("pollForReady: err = nil, want timeout error")
	}
}

func TestWaitForReady_ReturnsImmediatelyWhenMarkerAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	readyPath := filepath.Join(dir, "ready")
	if err := os.WriteFile(readyPath, []byte("1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	settings := config.Default()
	sup := New(settings, readyPath, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.waitForReady(ctx); err != nil {
		t.Fatalf("waitForReady: %v", err)
	}
}
