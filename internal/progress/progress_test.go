package progress

import "testing"

func TestSnapshotAggregates(t *testing.T) {
	r := New()
	r.SetTotalMedia(10)
	r.RecordCompletion()
	r.RecordCompletion()
	r.RecordFailure()
	r.Tick(2048)
	r.SetScanPointer("chat-1", 42)

	snap := r.Snapshot()
	if snap.TotalMedia != 10 {
		t.Fatalf("expected total 10, got %d", snap.TotalMedia)
	}
	if snap.DownloadedMedia != 2 {
		t.Fatalf("expected 2 downloaded, got %d", snap.DownloadedMedia)
	}
	if snap.FailedCount != 1 {
		t.Fatalf("expected 1 failed, got %d", snap.FailedCount)
	}
	if snap.DownloadedSize != 2048 {
		t.Fatalf("expected 2048 bytes, got %d", snap.DownloadedSize)
	}
	if snap.ScanChat != "chat-1" || snap.ScanMessageID != 42 {
		t.Fatalf("unexpected scan pointer: %+v", snap)
	}
}

func TestSnapshotSpeedRequiresTwoSamples(t *testing.T) {
	r := New()
	r.Tick(100)
	if snap := r.Snapshot(); snap.SpeedBytesPerS != 0 {
		t.Fatalf("expected zero speed with one sample, got %f", snap.SpeedBytesPerS)
	}
}
