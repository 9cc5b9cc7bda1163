package reader

import (
	"errors"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// pcapReader replays lidar UDP packets from an offline capture. Each packet
// on the configured port becomes one element stamped with its capture time;
// the UDP payload is kept undecoded.
type pcapReader struct {
	sensor  *sensors.Sensor
	path    string
	file    io.Closer
	pcap    *pcapgo.Reader
	filters filter.Chain
	index   int
	done    bool
}

func newPCAPReader(env Env, s *sensors.Sensor, src config.SourceConfig) (Reader, error) {
	f, err := env.FS.Open(src.Path)
	if err != nil {
		return nil, err
	}
	pr, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &pcapReader{
		sensor: s,
		path:   src.Path,
		file:   f,
		pcap:   pr,
		filters: filter.Chain{
			filter.UDPPort{Port: src.Port},
			filter.MinPayload{Bytes: 1},
			// Packets in one capture may share a timestamp.
			&filter.Monotonic{AllowDuplicates: true},
		},
	}, nil
}

func (r *pcapReader) Next() (element.Element, error) {
	if r.done {
		return element.Element{}, io.EOF
	}
	data, ci, err := r.pcap.ReadPacketData()
	switch {
	case errors.Is(err, io.EOF):
		r.done = true
		return element.Element{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Truncated final record.
		r.done = true
		return element.Element{}, decodeErr(r.sensor.Name(), r.index, "truncated packet record")
	case err != nil:
		return element.Element{}, sourceErr(r.sensor.Name(), r.path, err)
	}

	rec := filter.Record{Index: r.index, Timestamp: ci.Timestamp.UnixNano()}
	r.index++

	packet := gopacket.NewPacket(data, r.pcap.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		rec.Port = int(udp.DstPort)
		rec.Payload = udp.Payload
	} else if el := packet.ErrorLayer(); el != nil {
		return element.Element{}, decodeErr(r.sensor.Name(), rec.Index, "%v", el.Error())
	}

	if err := r.filters.Check(rec); err != nil {
		return element.Element{}, err
	}
	return element.New(rec.Timestamp, element.NewMeasurement(r.sensor, nil, rec.Payload), nil), nil
}

func (r *pcapReader) Close() error {
	return r.file.Close()
}
