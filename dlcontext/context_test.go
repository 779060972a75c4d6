package dlcontext

import (
	"context"
	"testing"
	"time"
)

func TestNumPieces(t *testing.T) {
	d := New(1000, 2500, "sha1", nil)
	if got := d.NumPieces(); got != 3 {
		t.Fatalf("NumPieces = %d, want 3", got)
	}
}

func TestStartStopTimeTracking(t *testing.T) {
	d := New(1000, 1000, "sha1", nil)
	now := time.Unix(100, 0)
	d.ResetDownloadStartTime(now)
	if !d.DownloadStartedAt().Equal(now) {
		t.Fatal("start time not recorded")
	}
	if !d.DownloadStoppedAt().IsZero() {
		t.Fatal("starting should clear any prior stop time")
	}
	stop := now.Add(time.Minute)
	d.ResetDownloadStopTime(stop)
	if !d.DownloadStoppedAt().Equal(stop) {
		t.Fatal("stop time not recorded")
	}
}

func TestContextRoundTrip(t *testing.T) {
	d := New(1000, 1000, "sha1", nil)
	ctx := ToContext(context.Background(), d)
	got, ok := FromContext(ctx)
	if !ok || got != d {
		t.Fatal("FromContext should retrieve the DownloadContext stored by ToContext")
	}
	_, ok = FromContext(context.Background())
	if ok {
		t.Fatal("FromContext on a bare context should report false")
	}
}
