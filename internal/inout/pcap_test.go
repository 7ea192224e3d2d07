package inout

import (
	"encoding/binary"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

type channelReturn struct {
	ch   int
	dist uint16
	refl byte
}

// sweepBlock builds one wire-format block. Channels without a return
// keep distance 0.
func sweepBlock(azimuth uint16, returns []channelReturn) []byte {
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint16(b[0:], blockPreamble)
	binary.LittleEndian.PutUint16(b[2:], azimuth)
	for _, r := range returns {
		off := blockHeaderSize + r.ch*bytesPerChannel
		binary.LittleEndian.PutUint16(b[off:], r.dist)
		b[off+2] = r.refl
	}
	return b
}

// udpFrame wraps a payload in Ethernet/IPv4/UDP.
func udpFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 1, 201},
		DstIP:    net.IP{192, 168, 1, 1},
	}
	udp := &layers.UDP{SrcPort: 2368, DstPort: 2368}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// junkFrame is an Ethernet frame with no IP payload.
func junkFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 3},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 4},
		EthernetType: 0x88B5,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(make([]byte, 46))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeCapture(t *testing.T, path string, frames [][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, frame); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func wantPoint(d, azDeg, elDeg float64) cloud.Point {
	az := azDeg * math.Pi / 180
	el := elDeg * math.Pi / 180
	return cloud.Point{
		X: d * math.Cos(el) * math.Sin(az),
		Y: d * math.Cos(el) * math.Cos(az),
		Z: d * math.Sin(el),
	}
}

func approxPoint(a, b cloud.Point) bool {
	const tol = 1e-9
	return math.Abs(a.X-b.X) < tol && math.Abs(a.Y-b.Y) < tol && math.Abs(a.Z-b.Z) < tol
}

func TestReadPCAPDecodesSweepPackets(t *testing.T) {
	first := append(
		sweepBlock(0, []channelReturn{
			{ch: 0, dist: 250, refl: 10},
			{ch: 15, dist: 500, refl: 20},
		}),
		sweepBlock(9000, []channelReturn{{ch: 8, dist: 2500, refl: 99}})...,
	)
	second := sweepBlock(18000, []channelReturn{{ch: 7, dist: 250, refl: 5}})

	path := filepath.Join(t.TempDir(), "sweep.pcap")
	writeCapture(t, path, [][]byte{udpFrame(t, first), udpFrame(t, second)})

	c, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "sweep" {
		t.Errorf("name = %q, want sweep", c.Name)
	}
	if c.SourcePath != path {
		t.Errorf("source = %q, want %q", c.SourcePath, path)
	}
	want := []cloud.Point{
		wantPoint(1, 0, -15),
		wantPoint(2, 0, 15),
		wantPoint(10, 90, 1),
		wantPoint(1, 180, -1),
	}
	if c.Count() != len(want) {
		t.Fatalf("count = %d, want %d", c.Count(), len(want))
	}
	for i, w := range want {
		if !approxPoint(c.Points[i], w) {
			t.Errorf("point %d = %+v, want %+v", i, c.Points[i], w)
		}
	}

	intensity, ok := c.Attribute("intensity")
	if !ok {
		t.Fatal("intensity attribute missing")
	}
	for i, w := range []float64{10, 20, 99, 5} {
		if intensity[i] != w {
			t.Errorf("intensity[%d] = %v, want %v", i, intensity[i], w)
		}
	}
	ring, ok := c.Attribute("ring")
	if !ok {
		t.Fatal("ring attribute missing")
	}
	for i, w := range []float64{0, 15, 8, 7} {
		if ring[i] != w {
			t.Errorf("ring[%d] = %v, want %v", i, ring[i], w)
		}
	}
}

func TestReadPCAPSkipsForeignTraffic(t *testing.T) {
	badPreamble := sweepBlock(0, []channelReturn{{ch: 1, dist: 300, refl: 1}})
	badPreamble[0] = 0xAA

	frames := [][]byte{
		junkFrame(t),
		udpFrame(t, []byte("definitely not a sweep")),
		udpFrame(t, badPreamble),
		udpFrame(t, sweepBlock(4500, []channelReturn{{ch: 3, dist: 1000, refl: 42}})),
	}
	path := filepath.Join(t.TempDir(), "mixed.pcap")
	writeCapture(t, path, frames)

	c, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Count() != 1 {
		t.Fatalf("count = %d, want 1 (foreign traffic must be skipped)", c.Count())
	}
	if !approxPoint(c.Points[0], wantPoint(4, 45, -9)) {
		t.Errorf("point = %+v, want %+v", c.Points[0], wantPoint(4, 45, -9))
	}
}

func TestReadPCAPWithoutSweepPacketsFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiet.pcap")
	writeCapture(t, path, [][]byte{junkFrame(t), udpFrame(t, []byte{1, 2, 3})})

	_, err := ReadCloud(path)
	if !pipeline.IsPersistenceError(err) {
		t.Fatalf("want persistence error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no sweep points") {
		t.Errorf("error %q does not mention missing sweep points", err)
	}
}

func TestReadPCAPRejectsNonCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pcap")
	if err := os.WriteFile(path, []byte("plain text, no magic"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadCloud(path)
	if !pipeline.IsPersistenceError(err) {
		t.Fatalf("want persistence error, got %v", err)
	}
}

func TestParseSweepPayloadRejectsMalformedBlocks(t *testing.T) {
	var pts []cloud.Point
	var intensity, ring []float64

	if err := parseSweepPayload(make([]byte, blockSize-1), &pts, &intensity, &ring); err == nil {
		t.Error("short payload accepted")
	}
	bad := sweepBlock(0, nil)
	bad[1] = 0x00
	if err := parseSweepPayload(bad, &pts, &intensity, &ring); err == nil {
		t.Error("bad preamble accepted")
	}
	if len(pts) != 0 {
		t.Errorf("rejected payloads appended %d points", len(pts))
	}
}
