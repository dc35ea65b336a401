package sip

import (
	"encoding/binary"
	"net"
	"testing"
)

func TestBuildRTPHeader(t *testing.T) {
	buf := make([]byte, rtpHeaderSize)
	buildRTPHeader(buf, PayloadPCMA, true, 0x1234, 0xDEADBEEF, 0xCAFEBABE)

	if buf[0] != 0x80 {
		t.Errorf("byte 0 = %#x, want 0x80 (V=2)", buf[0])
	}
	if buf[1] != 0x88 {
		t.Errorf("byte 1 = %#x, want 0x88 (marker + PT 8)", buf[1])
	}
	if got := binary.BigEndian.Uint16(buf[2:4]); got != 0x1234 {
		t.Errorf("seq = %#x, want 0x1234", got)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != 0xDEADBEEF {
		t.Errorf("ts = %#x, want 0xDEADBEEF", got)
	}
	if got := binary.BigEndian.Uint32(buf[8:12]); got != 0xCAFEBABE {
		t.Errorf("ssrc = %#x, want 0xCAFEBABE", got)
	}

	buildRTPHeader(buf, PayloadPCMU, false, 1, 1, 1)
	if buf[1] != 0x00 {
		t.Errorf("byte 1 without marker = %#x, want 0x00 (PT 0)", buf[1])
	}
}

func TestRTPPayloadType(t *testing.T) {
	pkt := make([]byte, rtpHeaderSize+160)
	buildRTPHeader(pkt, PayloadPCMA, true, 1, 1, 1)
	if got := rtpPayloadType(pkt); got != PayloadPCMA {
		t.Errorf("payload type = %d, want %d (marker bit must be masked)", got, PayloadPCMA)
	}

	if got := rtpPayloadType(pkt[:4]); got != -1 {
		t.Errorf("short packet payload type = %d, want -1", got)
	}
}

func TestAtomicAddrUpdate(t *testing.T) {
	a1 := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4000}
	a2 := &net.UDPAddr{IP: net.ParseIP("192.0.2.2"), Port: 4000}
	same := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4000}

	addr := newAtomicAddr(a1)
	if addr.update(same) {
		t.Error("update with identical address reported a change")
	}
	if !addr.update(a2) {
		t.Error("update with new address reported no change")
	}
	if got := addr.load(); got.IP.String() != "192.0.2.2" {
		t.Errorf("loaded address = %v, want 192.0.2.2", got)
	}
}

func TestPortPoolAllocateRelease(t *testing.T) {
	pool, err := NewPortPool(40000, 40008, discardLogger())
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}

	pair, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pair.Ports.RTP%2 != 0 {
		t.Errorf("rtp port %d is odd", pair.Ports.RTP)
	}
	if pair.Ports.RTCP != pair.Ports.RTP+1 {
		t.Errorf("rtcp port = %d, want %d", pair.Ports.RTCP, pair.Ports.RTP+1)
	}

	// The same port must not be handed out twice while allocated.
	pair2, err := pool.Allocate()
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if pair2.Ports.RTP == pair.Ports.RTP {
		t.Errorf("duplicate rtp port %d allocated", pair.Ports.RTP)
	}

	pool.Release(pair)
	pool.Release(pair2)

	// After release the range is fully available again.
	for i := 0; i < 4; i++ {
		p, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate after release (%d): %v", i, err)
		}
		defer pool.Release(p)
	}
}

func TestNewPortPoolOddMin(t *testing.T) {
	if _, err := NewPortPool(40001, 40010, discardLogger()); err == nil {
		t.Error("expected error for odd portMin")
	}
}
