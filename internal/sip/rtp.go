package sip

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shkvoice/shkvoice/internal/audio"
)

const (
	// RTP payload types for supported codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// rtpHeaderSize is the fixed RTP header size (no CSRCs, no extensions).
	rtpHeaderSize = 12

	// rtpVersion is the RTP protocol version (always 2).
	rtpVersion = 2

	// samplesPerPacket is the number of audio samples per RTP packet.
	// At 8 kHz sample rate with 20ms ptime, each packet carries 160 samples.
	// For G.711, each sample is 1 byte.
	samplesPerPacket = 160

	// packetDuration is the duration of one RTP packet (20ms at 8kHz).
	packetDuration = 20 * time.Millisecond

	// timestampIncrement is the RTP timestamp increment per packet.
	// At 8 kHz clock rate with 20ms ptime: 8000 * 0.020 = 160.
	timestampIncrement = 160

	// readTimeout is the read deadline for the RTP socket. It lets the
	// receive goroutine periodically check the stopped flag.
	readTimeout = 100 * time.Millisecond
)

// rtpPayloadType extracts the payload type from an RTP packet.
// Returns -1 if the packet is too small to be valid RTP.
func rtpPayloadType(pkt []byte) int {
	if len(pkt) < rtpHeaderSize {
		return -1
	}
	// Payload type is bits 1-7 of the second byte (mask off marker bit).
	return int(pkt[1] & 0x7F)
}

// buildRTPHeader writes a 12-byte RTP header into buf.
// marker should be true for the first packet of a talkspurt.
func buildRTPHeader(buf []byte, pt int, marker bool, seq uint16, ts uint32, ssrc uint32) {
	// Byte 0: V=2, P=0, X=0, CC=0 → 0x80
	buf[0] = rtpVersion << 6
	// Byte 1: M + PT
	buf[1] = byte(pt & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	a.v.Store(addr)
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// RTPStats is a counter snapshot for one media session.
type RTPStats struct {
	PacketsIn  uint64
	PacketsOut uint64
	Dropped    uint64
}

// rtpSession is the media leg of one call: a bound socket pair, the
// negotiated G.711 codec, a receive loop that decodes inbound payloads to
// linear PCM, and a paced sender for outbound PCM.
//
// Symmetric RTP: the session learns the actual remote address from the
// first valid packet received, because the real (post-NAT) source may
// differ from the SDP-signaled address.
type rtpSession struct {
	pair   *SocketPair
	codec  Codec
	remote *atomicAddr
	logger *slog.Logger

	// onAudio receives decoded linear PCM at the negotiated rate, one call
	// per inbound packet.
	onAudio func(pcm []int16)

	stopped      atomic.Bool
	lastActivity atomic.Int64 // unix nanos of the last received packet

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	dropped    atomic.Uint64

	wg sync.WaitGroup

	// Sender state. Guarded by sendMu; SendAudio is serialized.
	sendMu sync.Mutex
	ssrc   uint32
	seq    uint16
	ts     uint32
	marker bool
}

// newRTPSession creates a session sending toward remote (from SDP) until
// symmetric RTP learns otherwise.
func newRTPSession(pair *SocketPair, codec Codec, remote *net.UDPAddr, onAudio func([]int16), logger *slog.Logger) *rtpSession {
	s := &rtpSession{
		pair:    pair,
		codec:   codec,
		remote:  newAtomicAddr(remote),
		logger:  logger.With("subsystem", "rtp", "codec", codec.Name),
		onAudio: onAudio,
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.UintN(65536)),
		ts:      rand.Uint32(),
		marker:  true,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// start launches the receive loop.
func (s *rtpSession) start() {
	s.wg.Add(1)
	go s.receiveLoop()
	s.logger.Info("rtp session started",
		"local_port", s.pair.Ports.RTP,
		"remote", s.remote.load().String(),
	)
}

// stop terminates the receive loop and waits for it to exit. The socket
// pair is released by the caller.
func (s *rtpSession) stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.wg.Wait()
	s.logger.Info("rtp session stopped",
		"packets_in", s.packetsIn.Load(),
		"packets_out", s.packetsOut.Load(),
		"dropped", s.dropped.Load(),
	)
}

// stats returns a snapshot of the packet counters.
func (s *rtpSession) stats() RTPStats {
	return RTPStats{
		PacketsIn:  s.packetsIn.Load(),
		PacketsOut: s.packetsOut.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// idleFor reports how long ago the last packet arrived.
func (s *rtpSession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// receiveLoop reads RTP packets, decodes the G.711 payload to linear PCM,
// and hands each frame to onAudio.
func (s *rtpSession) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxRTPPacket)
	learned := false
	for {
		if s.stopped.Load() {
			return
		}

		s.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := s.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if s.stopped.Load() {
				return
			}
			// Timeout is expected; loop to re-check the stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt := buf[:n]
		pt := rtpPayloadType(pkt)
		if pt < 0 {
			s.dropped.Add(1)
			continue
		}
		if pt != s.codec.PayloadType {
			// Comfort noise, telephone-event and other payloads are ignored.
			s.dropped.Add(1)
			continue
		}

		if !learned {
			if s.remote.update(srcAddr) {
				s.logger.Info("symmetric rtp: learned remote address",
					"address", srcAddr.String(),
				)
			}
			learned = true
		}

		s.lastActivity.Store(time.Now().UnixNano())
		s.packetsIn.Add(1)

		payload := pkt[rtpHeaderSize:n]
		if len(payload) == 0 {
			continue
		}

		var pcm []int16
		switch pt {
		case PayloadPCMU:
			pcm = audio.UlawDecode(payload)
		case PayloadPCMA:
			pcm = audio.AlawDecode(payload)
		}

		if s.onAudio != nil {
			s.onAudio(pcm)
		}
	}
}

// SendAudio packetizes linear PCM at the negotiated rate into 20ms G.711
// RTP packets and sends them toward the learned remote address. A final
// partial frame is padded with silence. When the PCM spans more than one
// packet, transmission is paced by wall clock so the far-end jitter buffer
// neither underruns nor lags.
func (s *rtpSession) SendAudio(pcm []int16) error {
	if len(pcm) == 0 || s.stopped.Load() {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	frame := make([]int16, samplesPerPacket)
	sent := 0
	start := time.Now()

	for off := 0; off < len(pcm); off += samplesPerPacket {
		if s.stopped.Load() {
			return nil
		}

		n := copy(frame, pcm[off:])
		// Pad a short final frame with silence. Zero PCM encodes to the
		// codec's silence byte, so padding before encode is exact.
		for i := n; i < samplesPerPacket; i++ {
			frame[i] = 0
		}

		switch s.codec.PayloadType {
		case PayloadPCMA:
			copy(pkt[rtpHeaderSize:], audio.AlawEncode(frame))
		default:
			copy(pkt[rtpHeaderSize:], audio.UlawEncode(frame))
		}

		buildRTPHeader(pkt[:rtpHeaderSize], s.codec.PayloadType, s.marker, s.seq, s.ts, s.ssrc)
		s.marker = false

		if _, err := s.pair.RTPConn.WriteToUDP(pkt, s.remote.load()); err != nil {
			if s.stopped.Load() {
				return nil
			}
			return err
		}

		s.seq++
		s.ts += timestampIncrement
		s.packetsOut.Add(1)
		sent++

		if off+samplesPerPacket < len(pcm) {
			// Pace at 20ms intervals against the wall clock to avoid
			// drift from processing overhead.
			elapsed := time.Since(start)
			expected := time.Duration(sent) * packetDuration
			if sleep := expected - elapsed; sleep > 0 {
				time.Sleep(sleep)
			}
		}
	}
	return nil
}
