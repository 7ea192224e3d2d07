package inout

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/units"
)

// Sweep packet format: each UDP payload is a whole number of blocks.
// A block is a 2-byte 0xFFEE preamble, a 2-byte azimuth in 0.01-degree
// units, then 16 channels of 2-byte distance (4mm units, 0 = no
// return) plus a 1-byte reflectivity. All fields little-endian.
const (
	blockPreamble    uint16 = 0xEEFF // 0xFFEE on the wire, read little-endian
	channelsPerBlock        = 16
	bytesPerChannel         = 3
	blockHeaderSize         = 4
	blockSize               = blockHeaderSize + channelsPerBlock*bytesPerChannel
)

// beamElevations is the sensor's fixed vertical ladder, channel 0 at
// the bottom.
var beamElevations = [channelsPerBlock]float64{
	-15, -13, -11, -9, -7, -5, -3, -1, 1, 3, 5, 7, 9, 11, 13, 15,
}

// readPCAP decodes every sweep packet in a capture into one cloud with
// intensity and ring attribute columns. Non-UDP traffic and payloads
// that are not sweep packets are skipped, not fatal: captures often
// carry unrelated traffic alongside the sensor stream.
func readPCAP(path string) (*cloud.Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipeline.Persistf("reader", path, "%v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, pipeline.Persistf("reader", path, "not a pcap capture: %v", err)
	}

	var pts []cloud.Point
	var intensity, ring []float64
	packets, decoded, skipped := 0, 0, 0

	src := gopacket.NewPacketSource(r, r.LinkType())
	for packet := range src.Packets() {
		packets++
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if err := parseSweepPayload(udp.Payload, &pts, &intensity, &ring); err != nil {
			skipped++
			diag.Tracef("pcap %s packet %d: %v", path, packets, err)
			continue
		}
		decoded++
	}

	if len(pts) == 0 {
		return nil, pipeline.Persistf("reader", path, "no sweep points in %d packets (%d undecodable)", packets, skipped)
	}

	c := cloud.New(cloudName(path), pts)
	c.SourcePath = path
	if err := c.AddAttribute("intensity", intensity); err != nil {
		return nil, pipeline.Persistf("reader", path, "%v", err)
	}
	if err := c.AddAttribute("ring", ring); err != nil {
		return nil, pipeline.Persistf("reader", path, "%v", err)
	}
	diag.Diagf("read %s: %d points from %d sweep packets (%d packets total, %d skipped)",
		path, c.Count(), decoded, packets, skipped)
	return c, nil
}

// parseSweepPayload appends every return in the payload's blocks.
func parseSweepPayload(data []byte, pts *[]cloud.Point, intensity, ring *[]float64) error {
	if len(data)%blockSize != 0 {
		return fmt.Errorf("payload length %d is not a whole number of %d-byte blocks", len(data), blockSize)
	}
	for off := 0; off < len(data); off += blockSize {
		if got := binary.LittleEndian.Uint16(data[off:]); got != blockPreamble {
			return fmt.Errorf("block at %d: preamble 0x%04X, want 0x%04X", off, got, blockPreamble)
		}
		azimuth := units.AzimuthDegrees(binary.LittleEndian.Uint16(data[off+2:]))
		chOff := off + blockHeaderSize
		for ch := 0; ch < channelsPerBlock; ch++ {
			rawDist := binary.LittleEndian.Uint16(data[chOff:])
			refl := data[chOff+2]
			chOff += bytesPerChannel
			if rawDist == 0 {
				continue
			}
			x, y, z := units.SphericalToCartesian(units.DistanceMeters(rawDist), azimuth, beamElevations[ch])
			*pts = append(*pts, cloud.Point{X: x, Y: y, Z: z})
			*intensity = append(*intensity, float64(refl))
			*ring = append(*ring, float64(ch))
		}
	}
	return nil
}
