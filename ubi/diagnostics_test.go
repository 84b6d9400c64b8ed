package ubi

import (
	"bytes"
	"io"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

func TestFingerprintStableAcrossRereads(t *testing.T) {
	dev, _ := newTestDevice(t)
	fp1, err := dev.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := dev.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint changed across reads with no mutation")
	}
}

func TestFingerprintChangesAfterVolumeCreate(t *testing.T) {
	dev, _ := newTestDevice(t)
	before, err := dev.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if _, err := dev.VolumeCreate(VolumeConfig{Name: "/v", Type: VolumeDynamic, LEBCount: 2}); err != nil {
		t.Fatalf("volume create: %v", err)
	}
	after, err := dev.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if before == after {
		t.Errorf("expected fingerprint to change after volume table mutation")
	}
}

func TestHotSnapshotCoversEveryUsablePEB(t *testing.T) {
	dev, _ := newTestDevice(t)
	snap, err := dev.HotSnapshot()
	if err != nil {
		t.Fatalf("hot snapshot: %v", err)
	}
	if len(snap) == 0 {
		t.Fatal("expected non-empty compressed snapshot")
	}
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(snap)))
	if err != nil {
		t.Fatalf("lz4 decompress: %v", err)
	}
	if got, want := bytes.Count(raw, []byte("\n")), testPEBCount-PEBMeta; got != want {
		t.Errorf("snapshot entries = %d, want %d", got, want)
	}
}

func TestColdBackupWritesEveryPEB(t *testing.T) {
	dev, _ := newTestDevice(t)
	var buf bytes.Buffer
	if err := dev.ColdBackup(&buf); err != nil {
		t.Fatalf("cold backup: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty compressed backup")
	}
	xr, err := xz.NewReader(&buf)
	if err != nil {
		t.Fatalf("xz reader: %v", err)
	}
	raw, err := io.ReadAll(xr)
	if err != nil {
		t.Fatalf("xz decompress: %v", err)
	}
	if got, want := len(raw), testPEBCount*testPEBSize; got != want {
		t.Errorf("backup size = %d, want %d", got, want)
	}
}
