package marlin

import (
	"testing"

	"go.uber.org/zap"
)

func TestFrameSplitsLines(t *testing.T) {
	l := &Link{logger: zap.NewNop()}

	l.rxTail = []byte("ok\r\nX:1.00 Y:0.00 Z:2.00\npart")
	l.frame()

	line, ok := l.popPending()
	if !ok || line != "ok" {
		t.Fatalf("expected ok, got %q (%v)", line, ok)
	}
	line, ok = l.popPending()
	if !ok || line != "X:1.00 Y:0.00 Z:2.00" {
		t.Fatalf("expected report line, got %q (%v)", line, ok)
	}
	if _, ok := l.popPending(); ok {
		t.Fatal("partial line must not be framed")
	}
	if string(l.rxTail) != "part" {
		t.Errorf("expected tail %q, got %q", "part", string(l.rxTail))
	}
}

func TestFrameCompletesPartialAcrossReads(t *testing.T) {
	l := &Link{logger: zap.NewNop()}

	l.rxTail = []byte("o")
	l.frame()
	if _, ok := l.popPending(); ok {
		t.Fatal("incomplete line framed early")
	}

	l.rxTail = append(l.rxTail, []byte("k\r\n")...)
	l.frame()

	line, ok := l.popPending()
	if !ok || line != "ok" {
		t.Errorf("expected ok after second read, got %q (%v)", line, ok)
	}
}

func TestFrameDropsBlankLines(t *testing.T) {
	l := &Link{logger: zap.NewNop()}

	l.rxTail = []byte("\r\n\nok\n\r\n")
	l.frame()

	line, ok := l.popPending()
	if !ok || line != "ok" {
		t.Fatalf("expected ok, got %q (%v)", line, ok)
	}
	if _, ok := l.popPending(); ok {
		t.Error("blank lines must be dropped")
	}
}
