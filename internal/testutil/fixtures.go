package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/slamfeed/internal/filter"
)

// NMEAGGA renders a checksummed GGA sentence for a fix.
func NMEAGGA(lat, lon, alt float64) string {
	latH, lonH := "N", "E"
	if lat < 0 {
		latH, lat = "S", -lat
	}
	if lon < 0 {
		lonH, lon = "W", -lon
	}
	latDeg, lonDeg := math.Floor(lat), math.Floor(lon)
	body := fmt.Sprintf("GPGGA,123519.00,%02d%07.4f,%s,%03d%07.4f,%s,1,08,0.9,%.1f,M,0.0,M,,",
		int(latDeg), (lat-latDeg)*60, latH,
		int(lonDeg), (lon-lonDeg)*60, lonH,
		alt)
	return fmt.Sprintf("$%s*%02X", body, filter.NMEAChecksumOf(body))
}

// NMEALog renders n timestamp-prefixed GGA lines.
func NMEALog(start, period int64, n int) []byte {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d,%s\n", start+int64(i)*period, NMEAGGA(37.5, 127.25, 30+float64(i)))
	}
	return b.Bytes()
}

// LidarScan renders points little-endian float32 points of channels floats.
func LidarScan(points, channels int) []byte {
	buf := make([]byte, 0, points*channels*4)
	for p := 0; p < points; p++ {
		for c := 0; c < channels; c++ {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(p*channels+c)))
		}
	}
	return buf
}

// PNG encodes a w x h grey image.
func PNG(w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.Set(0, 0, color.Gray{Y: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err) // encoding an in-memory image cannot fail
	}
	return buf.Bytes()
}

// Packet is one UDP datagram for PCAP.
type Packet struct {
	Time    time.Time // microsecond resolution is kept
	DstPort uint16
	Payload []byte
}

// PCAP writes an Ethernet/IPv4/UDP capture of packets.
func PCAP(packets ...Packet) ([]byte, error) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	for _, p := range packets {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x60, 0x76, 0x88, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{192, 168, 1, 201},
			DstIP:    net.IP{192, 168, 1, 100},
		}
		udp := &layers.UDP{SrcPort: 2368, DstPort: layers.UDPPort(p.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}

		sb := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(p.Payload)); err != nil {
			return nil, err
		}
		data := sb.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: p.Time, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
