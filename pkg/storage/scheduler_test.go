package storage

import "testing"

func TestDiskSchedulerReadWrite(t *testing.T) {
	dm := NewMemoryDiskManager()
	s := NewDiskScheduler(dm)
	defer s.Shutdown()

	src := make([]byte, PageSize)
	src[0] = 0x42
	if err := s.Write(0, src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, PageSize)
	if err := s.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[0] != 0x42 {
		t.Fatalf("got[0] = %#x, want 0x42", got[0])
	}
}

func TestDiskSchedulerWriteThenRead(t *testing.T) {
	dm := NewMemoryDiskManager()
	s := NewDiskScheduler(dm)
	defer s.Shutdown()

	writeSrc := make([]byte, PageSize)
	writeSrc[1] = 0x99
	buf := make([]byte, PageSize)

	p := s.ScheduleWriteThenRead(0, 0, writeSrc, buf)
	if err := p.Wait(); err != nil {
		t.Fatalf("WriteThenRead: %v", err)
	}
	if buf[1] != 0x99 {
		t.Fatalf("buf[1] = %#x, want 0x99", buf[1])
	}
}

func TestPromiseWaitIsRepeatable(t *testing.T) {
	dm := NewMemoryDiskManager()
	s := NewDiskScheduler(dm)
	defer s.Shutdown()

	src := make([]byte, PageSize)
	p := s.ScheduleWrite(0, src)
	if err := p.Wait(); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
}
