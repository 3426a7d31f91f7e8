package correlator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/swharness/internal/types"
)

func TestRegistryJoinsAndReleases(t *testing.T) {
	r := NewRegistry(time.Minute)
	p := r.Start("F1")

	if !r.Pending("F1") {
		t.Fatal("Pending(F1) = false after Start")
	}
	r.OnNavigationComplete(navigatedEvent("F1"))
	if err := r.OnNetworkResponse(responseEvent("F1", "R1")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v", err)
	}

	res, err := awaitSettled(t, p)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Network.RequestID != "R1" || res.Frame.ID != "F1" {
		t.Fatalf("result = %+v; want R1/F1", res)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after resolution; want 0", r.Len())
	}

	if err := r.OnNetworkResponse(responseEvent("F1", "R2")); err != nil {
		t.Fatalf("late OnNetworkResponse() error = %v", err)
	}
	r.OnNavigationComplete(navigatedEvent("F1"))
	if again, _ := p.Result(); again.Network.RequestID != "R1" {
		t.Fatalf("second resolution observed: %+v", again)
	}
}

func TestRegistryRejectsFramelessResponse(t *testing.T) {
	r := NewRegistry(time.Minute)

	tests := []struct {
		name string
		ev   *network.EventResponseReceived
	}{
		{name: "nil_event", ev: nil},
		{name: "empty_frame_id", ev: &network.EventResponseReceived{RequestID: "R1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.OnNetworkResponse(tt.ev)
			if err == nil {
				t.Fatal("OnNetworkResponse() = nil; want protocol violation")
			}
			if !types.HasCode(err, types.CodeProtocolViolation) {
				t.Fatalf("error = %v; want code %s", err, types.CodeProtocolViolation)
			}
		})
	}
}

func TestRegistryDropsUnroutableEvents(t *testing.T) {
	r := NewRegistry(time.Minute)

	if err := r.OnNetworkResponse(responseEvent("unknown", "R1")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v; want nil", err)
	}
	r.OnNavigationComplete(navigatedEvent("unknown"))
	r.OnNavigationComplete(nil)

	if r.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", r.Len())
	}
}

func TestRegistryIsolatesFrames(t *testing.T) {
	r := NewRegistry(time.Minute)
	pf := r.Start("F")
	pg := r.Start("G")

	r.OnNavigationComplete(navigatedEvent("G"))
	if err := r.OnNetworkResponse(responseEvent("G", "RG")); err != nil {
		t.Fatalf("OnNetworkResponse(G) error = %v", err)
	}

	resG, err := awaitSettled(t, pg)
	if err != nil {
		t.Fatalf("G Wait() error = %v", err)
	}
	if resG.Network.RequestID != "RG" {
		t.Fatalf("G request = %q; want RG", resG.Network.RequestID)
	}
	assertUnsettled(t, pf)

	if err := r.OnNetworkResponse(responseEvent("F", "RF")); err != nil {
		t.Fatalf("OnNetworkResponse(F) error = %v", err)
	}
	r.OnNavigationComplete(navigatedEvent("F"))
	resF, err := awaitSettled(t, pf)
	if err != nil {
		t.Fatalf("F Wait() error = %v", err)
	}
	if resF.Network.RequestID != "RF" || resF.Frame.ID != "F" {
		t.Fatalf("F result = %+v; want RF/F", resF)
	}
}

func TestRegistryRestartSupersedesPreviousEntry(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	old := r.Start("F1")
	if err := r.OnNetworkResponse(responseEvent("F1", "R-old")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v", err)
	}

	fresh := r.Start("F1")
	if fresh == old {
		t.Fatal("restart returned the superseded future")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", r.Len())
	}

	// The superseded response must not carry over into the new join.
	r.OnNavigationComplete(navigatedEvent("F1"))
	assertUnsettled(t, fresh)

	if err := r.OnNetworkResponse(responseEvent("F1", "R-new")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v", err)
	}
	res, err := awaitSettled(t, fresh)
	if err != nil {
		t.Fatalf("fresh Wait() error = %v", err)
	}
	if res.Network.RequestID != "R-new" {
		t.Fatalf("fresh request = %q; want R-new", res.Network.RequestID)
	}

	_, oldErr := awaitSettled(t, old)
	if !types.HasCode(oldErr, types.CodeNavigationTimeout) {
		t.Fatalf("superseded future error = %v; want timeout", oldErr)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after both settled; want 0", r.Len())
	}
}

func TestRegistryStaleTimeoutKeepsNewerEntry(t *testing.T) {
	r := NewRegistry(time.Minute)
	old := r.Start("F1")
	r.mu.Lock()
	oldCorrelator := r.entries["F1"].correlator
	r.mu.Unlock()

	fresh := r.Start("F1")
	oldCorrelator.expire()

	if _, err := awaitSettled(t, old); !types.HasCode(err, types.CodeNavigationTimeout) {
		t.Fatalf("superseded future error = %v; want timeout", err)
	}
	if !r.Pending("F1") {
		t.Fatal("stale timeout removed the newer entry")
	}
	assertUnsettled(t, fresh)

	if err := r.OnNetworkResponse(responseEvent("F1", "R1")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v", err)
	}
	r.OnNavigationComplete(navigatedEvent("F1"))
	if _, err := awaitSettled(t, fresh); err != nil {
		t.Fatalf("fresh Wait() error = %v", err)
	}
}

func TestRegistryConcurrentFrames(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	const frames = 32

	pendings := make([]*Pending, frames)
	for i := 0; i < frames; i++ {
		pendings[i] = r.Start(cdp.FrameID(fmt.Sprintf("F%d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < frames; i++ {
		frameID := fmt.Sprintf("F%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := r.OnNetworkResponse(responseEvent(frameID, "R-"+frameID)); err != nil {
				t.Errorf("OnNetworkResponse(%s) error = %v", frameID, err)
			}
		}()
		go func() {
			defer wg.Done()
			r.OnNavigationComplete(navigatedEvent(frameID))
		}()
	}
	wg.Wait()

	for i, p := range pendings {
		res, err := awaitSettled(t, p)
		if err != nil {
			t.Fatalf("frame %d error = %v", i, err)
		}
		want := fmt.Sprintf("F%d", i)
		if res.Frame.ID != cdp.FrameID(want) || res.Network.RequestID != network.RequestID("R-"+want) {
			t.Fatalf("frame %d result = %s/%s; want %s/R-%s", i, res.Frame.ID, res.Network.RequestID, want, want)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", r.Len())
	}
}

func TestRegistryAbortReleasesEntry(t *testing.T) {
	r := NewRegistry(time.Minute)
	p := r.Start("F1")

	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	r.Abort("F1", p, cause)

	if _, err := awaitSettled(t, p); !errors.Is(err, cause) {
		t.Fatalf("aborted future error = %v; want %v", err, cause)
	}
	if r.Pending("F1") || r.Len() != 0 {
		t.Fatalf("entry kept after Abort: Pending=%t Len=%d", r.Pending("F1"), r.Len())
	}

	// Late events for the aborted navigation are dropped, not joined.
	if err := r.OnNetworkResponse(responseEvent("F1", "R1")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v", err)
	}
	r.OnNavigationComplete(navigatedEvent("F1"))
	if _, err := p.Result(); !errors.Is(err, cause) {
		t.Fatalf("late events changed the aborted result: %v", err)
	}
}

func TestRegistryAbortIgnoresStaleFuture(t *testing.T) {
	r := NewRegistry(time.Minute)
	old := r.Start("F1")
	fresh := r.Start("F1")

	r.Abort("F1", old, errors.New("stale"))
	if !r.Pending("F1") {
		t.Fatal("aborting a replaced future removed the newer entry")
	}
	assertUnsettled(t, fresh)

	if err := r.OnNetworkResponse(responseEvent("F1", "R1")); err != nil {
		t.Fatalf("OnNetworkResponse() error = %v", err)
	}
	r.OnNavigationComplete(navigatedEvent("F1"))
	if _, err := awaitSettled(t, fresh); err != nil {
		t.Fatalf("fresh Wait() error = %v", err)
	}

	// Aborting after the join is a no-op.
	r.Abort("F1", fresh, errors.New("too late"))
	if _, err := fresh.Result(); err != nil {
		t.Fatalf("Abort after join changed the result: %v", err)
	}
}
