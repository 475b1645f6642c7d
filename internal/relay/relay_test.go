package relay

import (
	"testing"
	"time"

	"github.com/wallcrawler/cdp-proxy/internal/classifier"
)

func TestBufferDropsOldestOnOverflow(t *testing.T) {
	b := &buffer{}
	for i := 0; i < MaxPending+10; i++ {
		b.push(pendingFrame{source: SourceClient, frame: []byte{byte(i)}})
	}

	if got := b.len(); got != MaxPending {
		t.Fatalf("len = %d, want %d", got, MaxPending)
	}

	drained := b.drain(SourceClient)
	if len(drained) != MaxPending {
		t.Fatalf("drained = %d, want %d", len(drained), MaxPending)
	}
	// The oldest 10 entries (bytes 0..9) should have been dropped; the
	// surviving window starts at byte 10.
	if drained[0].frame[0] != 10 {
		t.Errorf("first surviving frame = %d, want 10", drained[0].frame[0])
	}
	if drained[len(drained)-1].frame[0] != byte(MaxPending+9) {
		t.Errorf("last surviving frame = %d, want %d", drained[len(drained)-1].frame[0], MaxPending+9)
	}
}

func TestBufferDrainIsSourceSelective(t *testing.T) {
	b := &buffer{}
	b.push(pendingFrame{source: SourceClient, frame: []byte("c1")})
	b.push(pendingFrame{source: SourceBrowser, frame: []byte("b1")})
	b.push(pendingFrame{source: SourceClient, frame: []byte("c2")})

	clientFrames := b.drain(SourceClient)
	if len(clientFrames) != 2 {
		t.Fatalf("client frames = %d, want 2", len(clientFrames))
	}
	if string(clientFrames[0].frame) != "c1" || string(clientFrames[1].frame) != "c2" {
		t.Errorf("client frames out of order: %q %q", clientFrames[0].frame, clientFrames[1].frame)
	}

	// Browser-sourced frame must still be present; a partial drain leaves
	// the other source's entries untouched.
	if got := b.len(); got != 1 {
		t.Fatalf("remaining len = %d, want 1", got)
	}
	browserFrames := b.drain(SourceBrowser)
	if len(browserFrames) != 1 || string(browserFrames[0].frame) != "b1" {
		t.Fatalf("browser frames = %+v", browserFrames)
	}
}

func TestDirectionLabel(t *testing.T) {
	if directionLabel(SourceClient) != "client->browser" {
		t.Errorf("unexpected label for client source")
	}
	if directionLabel(SourceBrowser) != "browser->client" {
		t.Errorf("unexpected label for browser source")
	}
}

func TestBeginSessionPassesThroughWhenNotCleaning(t *testing.T) {
	mgr := newTestManager(nil)
	if err := mgr.BeginSession("/devtools/page/x"); err != nil {
		t.Fatalf("BeginSession() error = %v, want nil", err)
	}
}

func TestBeginSessionRecoversIfCleanupFinishesBeforeRetry(t *testing.T) {
	mgr := newTestManager(nil)
	mgr.inCleanup["/devtools/page/y"] = true

	go func() {
		time.Sleep(CleanupRetryDelay / 2)
		mgr.cleanupMu.Lock()
		delete(mgr.inCleanup, "/devtools/page/y")
		mgr.cleanupMu.Unlock()
	}()

	if err := mgr.BeginSession("/devtools/page/y"); err != nil {
		t.Fatalf("BeginSession() error = %v, want nil once cleanup clears", err)
	}
}

func TestBeginSessionReportsRecoverableErrorWhenStillBusy(t *testing.T) {
	mgr := newTestManager(nil)
	mgr.inCleanup["/devtools/page/z"] = true

	err := mgr.BeginSession("/devtools/page/z")
	if err == nil {
		t.Fatal("expected an error when cleanup never clears")
	}
	cerr, ok := err.(*classifier.Error)
	if !ok {
		t.Fatalf("error type = %T, want *classifier.Error", err)
	}
	if !cerr.Recoverable || cerr.Kind != classifier.KindConnection {
		t.Errorf("unexpected classified error: %+v", cerr)
	}
}
