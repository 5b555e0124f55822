package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-vest/veil-vest/internal/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchSession_LogsIdentityChanges(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))
	sess := session.New(nil)
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchSession(ctx, sess, 11155111, log)
	}()

	// The watcher subscribes asynchronously; keep reconnecting until its first line shows up.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "session connected") {
		if time.Now().After(deadline) {
			t.Fatalf("no connect line: %s", out.String())
		}
		sess.Disconnect()
		if err := sess.Connect(session.Identity{Account: account, ChainID: 11155111}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sess.Connect(session.Identity{Account: account, ChainID: 1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Disconnect()

	for !strings.Contains(out.String(), "session disconnected") || !strings.Contains(out.String(), "another chain") {
		if time.Now().After(deadline) {
			t.Fatalf("missing lines: %s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop")
	}
}
