package filters

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/metrics"
	"github.com/smazurov/mediagraph/internal/props"
)

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// senderRTPKey holds the RTP time of the last sender report, paired with SenderNTP.
var senderRTPKey = props.N("sender_rtp_time")

// rtpCodec binds a codec to its payloader, depacketizer and clock.
type rtpCodec struct {
	clockRate    uint32
	payloader    func() rtp.Payloader
	depacketizer func() rtp.Depacketizer
}

var rtpCodecs = map[uint32]rtpCodec{
	props.CodecAVC: {
		clockRate:    90000,
		payloader:    func() rtp.Payloader { return &codecs.H264Payloader{} },
		depacketizer: func() rtp.Depacketizer { return &codecs.H264Packet{} },
	},
	props.CodecOpus: {
		clockRate:    48000,
		payloader:    func() rtp.Payloader { return &codecs.OpusPayloader{} },
		depacketizer: func() rtp.Depacketizer { return &codecs.OpusPacket{} },
	},
}

// RTPPayloader describes rtppay, which packs AVC or Opus frames into RTP
// packets, one output packet per datagram.
func RTPPayloader() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "rtppay",
		Description: "Packs AVC and Opus frames into RTP packets",
		Args: []filter.ArgDesc{
			{Name: "pt", Kind: props.KindUint32, Default: "96", Description: "Payload type"},
			{Name: "mtu", Kind: props.KindUint32, Default: "1200", Description: "Maximum datagram size"},
			{Name: "ssrc", Kind: props.KindUint32, Default: "0", Description: "Synchronization source, 0 for random"},
			{Name: "sr", Kind: props.KindInt32, Default: "0", Description: "Send an RTCP sender report every N packets, 0 to disable"},
		},
		Caps: caps.Single(
			caps.In(props.CodecID, props.Uint32(props.CodecAVC), props.Uint32(props.CodecOpus)),
			caps.Exclude(props.Unframed, props.Bool(true)),
			caps.Out(props.CodecID, props.Uint32(props.CodecRTP)),
		),
		Explicit: true,
		New:      func() filter.Filter { return &rtpPayloader{} },
	}
}

type rtpPayloader struct {
	PayloadType uint32 `arg:"pt"`
	MTU         uint32 `arg:"mtu"`
	SSRC        uint32 `arg:"ssrc"`
	SRInterval  int    `arg:"sr"`

	out        *filter.Pid
	packetizer rtp.Packetizer
	sequencer  rtp.Sequencer
	clockRate  uint32
	timescale  uint32
	tsBase     uint32
	lastTS     uint32
	packets    uint32
	octets     uint32
	sinceSR    int
	ended      bool
}

func (p *rtpPayloader) Initialize(*filter.Instance) error {
	if p.PayloadType > 127 {
		return filter.NewError(filter.CodeBadParameter, fmt.Sprintf("payload type %d out of range", p.PayloadType), nil)
	}
	if p.MTU < 64 || p.MTU > 65535 {
		return filter.NewError(filter.CodeBadParameter, fmt.Sprintf("mtu %d out of range", p.MTU), nil)
	}
	if p.SSRC == 0 {
		p.SSRC = rand.Uint32()
	}
	p.sequencer = rtp.NewRandomSequencer()
	p.tsBase = rand.Uint32()
	return nil
}

func (p *rtpPayloader) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	if remove {
		if p.out != nil {
			f.RemovePid(p.out)
			p.out = nil
		}
		return nil
	}
	if p.out != nil && len(f.Inputs()) > 1 {
		return filter.ErrNeedsNewInstance
	}
	codec := codecOf(pid)
	rc, ok := rtpCodecs[codec]
	if !ok {
		return filter.ErrCapabilityMismatch
	}
	p.clockRate = rc.clockRate
	p.timescale = pid.Timescale()
	pid.SetFramingMode(true)
	p.packetizer = rtp.NewPacketizer(uint16(p.MTU), uint8(p.PayloadType), p.SSRC, rc.payloader(), p.sequencer, rc.clockRate)

	if p.out == nil {
		p.out = f.NewPid()
	}
	p.out.CopyProps(pid)
	p.out.SetPropCode(props.CodecID, props.Uint32(props.CodecRTP))
	p.out.SetPropCode(props.PayloadType, props.Uint32(p.PayloadType))
	p.out.SetPropCode(props.SSRC, props.Uint32(p.SSRC))
	p.out.SetPropCode(props.ClockRate, props.Uint32(rc.clockRate))
	p.out.SetPropCode(props.Timescale, props.Uint32(rc.clockRate))
	p.out.SetProp(encodingKey, props.String(props.CodecName(codec)))
	f.Logger().Debug("RTP payloader configured", "codec", props.CodecName(codec), "pt", p.PayloadType, "ssrc", p.SSRC)
	return nil
}

func (p *rtpPayloader) Process(f *filter.Instance) error {
	if p.out == nil {
		return filter.ErrEOS
	}
	for _, in := range f.Inputs() {
		for {
			if p.out.WouldBlock() {
				return nil
			}
			pk := in.GetPacket()
			if pk == nil {
				break
			}
			err := p.packetize(pk)
			in.DropPacket()
			if err != nil {
				return err
			}
		}
		if in.IsEOS() && !p.ended {
			p.ended = true
			if err := p.sendRTCP(&rtcp.Goodbye{Sources: []uint32{p.SSRC}}); err != nil {
				f.Logger().Warn("Failed to send RTCP goodbye", "error", err)
			}
			p.out.SetEOS()
			f.Logger().Debug("RTP payloader done", "packets", p.packets, "octets", p.octets)
		}
	}
	return filter.ErrEOS
}

// rtpTime converts a timestamp in the input timescale to the RTP clock.
func (p *rtpPayloader) rtpTime(ts uint64) uint32 {
	return p.tsBase + uint32(ts*uint64(p.clockRate)/uint64(p.timescale))
}

func (p *rtpPayloader) packetize(pk *filter.Packet) error {
	ts := pk.CTS()
	if ts == filter.NoTS {
		ts = pk.DTS()
	}
	if ts == filter.NoTS {
		ts = 0
	}
	rtpTS := p.rtpTime(ts)
	for i, rp := range p.packetizer.Packetize(pk.Data(), 0) {
		rp.Timestamp = rtpTS
		out, buf, err := p.out.NewPacket(rp.MarshalSize())
		if err != nil {
			return err
		}
		if _, err := rp.MarshalTo(buf); err != nil {
			_ = out.Discard()
			return filter.NewError(filter.CodeIOFailure, "marshal rtp packet", err)
		}
		out.SetDTS(uint64(rtpTS - p.tsBase))
		out.SetCTS(uint64(rtpTS - p.tsBase))
		out.SetFraming(true, true)
		if i == 0 {
			out.SetSAP(pk.SAP())
		}
		if err := out.Send(); err != nil {
			return err
		}
		metrics.IncrementRTPPackets("out")
		p.packets++
		p.octets += uint32(len(rp.Payload))
		p.lastTS = rtpTS
		p.sinceSR++
		if p.SRInterval > 0 && p.sinceSR >= p.SRInterval {
			p.sinceSR = 0
			if err := p.sendRTCP(p.senderReport(time.Now())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *rtpPayloader) senderReport(now time.Time) *rtcp.SenderReport {
	return &rtcp.SenderReport{
		SSRC:        p.SSRC,
		NTPTime:     ntpTime(now),
		RTPTime:     p.lastTS,
		PacketCount: p.packets,
		OctetCount:  p.octets,
	}
}

// sendRTCP sends an RTCP packet muxed on the RTP pid.
func (p *rtpPayloader) sendRTCP(pkt rtcp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return filter.NewError(filter.CodeIOFailure, "marshal rtcp packet", err)
	}
	out, buf, err := p.out.NewPacket(len(raw))
	if err != nil {
		return err
	}
	copy(buf, raw)
	out.SetFraming(true, true)
	return out.Send()
}

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// RTPDepayloader describes rtpdepay, which unpacks RTP packets into codec
// fragments. The marker bit ends a frame.
func RTPDepayloader() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "rtpdepay",
		Description: "Unpacks RTP packets into AVC and Opus frame fragments",
		Args: []filter.ArgDesc{
			{Name: "codec", Kind: props.KindString, Description: "Codec carried in the stream when the pid does not say"},
		},
		Caps: caps.Single(
			caps.In(props.CodecID, props.Uint32(props.CodecRTP)),
			caps.Out(props.CodecID, props.Uint32(props.CodecAVC), props.Uint32(props.CodecOpus)),
			caps.Out(props.Unframed, props.Bool(true)),
		),
		Explicit: true,
		New:      func() filter.Filter { return &rtpDepayloader{} },
	}
}

type rtpDepayloader struct {
	Codec string `arg:"codec"`

	out          *filter.Pid
	depacketizer rtp.Depacketizer
	ended        bool

	haveTS   bool
	firstTS  uint32
	haveSeq  bool
	lastSeq  uint16
	frameTS  uint32
	frameSAP filter.SAP
	emitted  bool
	corrupt  bool
}

func (d *rtpDepayloader) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	if remove {
		if d.out != nil {
			f.RemovePid(d.out)
			d.out = nil
		}
		return nil
	}
	if d.out != nil && len(f.Inputs()) > 1 {
		return filter.ErrNeedsNewInstance
	}
	name := d.Codec
	if name == "" {
		if v, ok := pid.Prop(encodingKey); ok {
			name = v.Str()
		}
	}
	if name == "" {
		return filter.NewError(filter.CodeCapabilityMismatch, "rtp stream does not name its codec", nil)
	}
	codec, err := parseCodec(name)
	if err != nil {
		return err
	}
	rc, ok := rtpCodecs[codec]
	if !ok {
		return filter.NewError(filter.CodeCapabilityMismatch, fmt.Sprintf("no depacketizer for %s", name), nil)
	}
	d.depacketizer = rc.depacketizer()
	clock := rc.clockRate
	if v, ok := pid.PropCode(props.ClockRate); ok && v.Uint() > 0 {
		clock = uint32(v.Uint())
	}

	if d.out == nil {
		d.out = f.NewPid()
	}
	d.out.CopyProps(pid)
	d.out.SetPropCode(props.CodecID, props.Uint32(codec))
	d.out.SetPropCode(props.Timescale, props.Uint32(clock))
	d.out.SetPropCode(props.Unframed, props.Bool(true))
	f.Logger().Debug("RTP depayloader configured", "codec", props.CodecName(codec), "clock", clock)
	return nil
}

func (d *rtpDepayloader) Process(f *filter.Instance) error {
	if d.out == nil {
		return filter.ErrEOS
	}
	for _, in := range f.Inputs() {
		for {
			if d.out.WouldBlock() {
				return nil
			}
			pk := in.GetPacket()
			if pk == nil {
				break
			}
			err := d.handle(f, pk)
			in.DropPacket()
			if err != nil {
				return err
			}
		}
		if in.IsEOS() && !d.ended {
			d.ended = true
			d.out.SetEOS()
		}
	}
	return filter.ErrEOS
}

// isRTCP tells muxed RTCP from RTP by the packet type byte.
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[0]>>6 == 2 && b[1] >= 192 && b[1] <= 223
}

func (d *rtpDepayloader) handle(f *filter.Instance, pk *filter.Packet) error {
	data := pk.Data()
	if isRTCP(data) {
		d.handleRTCP(f, data)
		return nil
	}

	var rp rtp.Packet
	if err := rp.Unmarshal(data); err != nil {
		f.Logger().Warn("Dropping malformed RTP packet", "error", err, "size", len(data))
		d.corrupt = true
		return nil
	}
	metrics.IncrementRTPPackets("in")

	if d.haveSeq {
		if gap := rp.SequenceNumber - d.lastSeq - 1; gap != 0 && gap < 0x8000 {
			f.Logger().Debug("RTP sequence gap", "expected", d.lastSeq+1, "got", rp.SequenceNumber)
			metrics.AddRTPLost(int(gap))
			d.corrupt = true
		}
	}
	d.haveSeq = true
	d.lastSeq = rp.SequenceNumber

	if !d.haveTS || rp.Timestamp != d.frameTS {
		if !d.haveTS {
			d.haveTS = true
			d.firstTS = rp.Timestamp
		}
		d.frameTS = rp.Timestamp
		d.frameSAP = filter.SAPNone
		d.emitted = false
	}
	d.frameSAP = max(d.frameSAP, pk.SAP())

	payload, err := d.depacketizer.Unmarshal(rp.Payload)
	if err != nil {
		f.Logger().Debug("Dropping undecodable RTP payload", "error", err, "seq", rp.SequenceNumber)
		d.corrupt = true
		return nil
	}
	if len(payload) == 0 {
		return nil
	}

	out, buf, err := d.out.NewPacket(len(payload))
	if err != nil {
		return err
	}
	copy(buf, payload)
	ts := uint64(rp.Timestamp - d.firstTS)
	out.SetDTS(ts)
	out.SetCTS(ts)
	out.SetFraming(!d.emitted, rp.Marker)
	out.SetCorrupted(d.corrupt)
	if !d.emitted {
		out.SetSAP(d.frameSAP)
	}
	d.emitted = true
	if rp.Marker {
		d.emitted = false
		d.corrupt = false
	}
	return out.Send()
}

func (d *rtpDepayloader) handleRTCP(f *filter.Instance, data []byte) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		f.Logger().Warn("Dropping malformed RTCP packet", "error", err)
		return
	}
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			metrics.IncrementRTCPPackets("sender_report")
			d.out.SetPropCode(props.SenderNTP, props.Uint64(p.NTPTime))
			d.out.SetProp(senderRTPKey, props.Uint32(p.RTPTime))
			f.Logger().Debug("RTCP sender report", "ssrc", p.SSRC, "packets", p.PacketCount, "octets", p.OctetCount)
		case *rtcp.Goodbye:
			metrics.IncrementRTCPPackets("goodbye")
			f.Logger().Debug("RTCP goodbye", "sources", p.Sources)
		default:
			metrics.IncrementRTCPPackets("other")
		}
	}
}
