package props

import (
	"strconv"
	"strings"
)

// Code is a four-character property code.
type Code uint32

// FourCC packs the first four bytes of s into a Code, padding with spaces.
func FourCC(s string) Code {
	var b [4]byte
	for i := range b {
		b[i] = ' '
		if i < len(s) {
			b[i] = s[i]
		}
	}
	return Code(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// FourCC returns the four characters of c.
func (c Code) FourCC() string {
	return string([]byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)})
}

// String returns the registered name of c, or its four characters.
func (c Code) String() string {
	if info, ok := builtinByCode[c]; ok {
		return info.Name
	}
	return c.FourCC()
}

// Built-in property codes.
var (
	ID            = FourCC("PIDI")
	StreamType    = FourCC("PMST")
	CodecID       = FourCC("POTI")
	Timescale     = FourCC("TIMS")
	DecoderConfig = FourCC("DCFG")
	SampleRate    = FourCC("AUSR")
	NumChannels   = FourCC("CHNB")
	ChannelLayout = FourCC("CHLO")
	AudioFormat   = FourCC("AFMT")
	Width         = FourCC("WIDT")
	Height        = FourCC("HEIG")
	PixelFormat   = FourCC("PFMT")
	FPS           = FourCC("VFPF")
	SAR           = FourCC("PSAR")
	Bitrate       = FourCC("RATE")
	Duration      = FourCC("PDUR")
	Language      = FourCC("LANG")
	Unframed      = FourCC("PFRM")
	URL           = FourCC("FURL")
	MIME          = FourCC("PMIM")
	FileExt       = FourCC("PEXT")
	PayloadType   = FourCC("RTPT")
	SSRC          = FourCC("RSSR")
	ClockRate     = FourCC("RCLK")
	SenderNTP     = FourCC("RNTP")
)

// Info describes a built-in property code.
type Info struct {
	Code        Code
	Name        string
	Kind        Kind
	Description string
}

var builtins = []Info{
	{ID, "ID", KindUint32, "Stream identifier"},
	{StreamType, "StreamType", KindUint32, "Media stream type"},
	{CodecID, "CodecID", KindUint32, "Codec identifier"},
	{Timescale, "Timescale", KindUint32, "Timestamp units per second"},
	{DecoderConfig, "DecoderConfig", KindData, "Decoder configuration blob"},
	{SampleRate, "SampleRate", KindUint32, "Audio sample rate"},
	{NumChannels, "NumChannels", KindUint32, "Audio channel count"},
	{ChannelLayout, "ChannelLayout", KindUint64, "Audio channel layout mask"},
	{AudioFormat, "AudioFormat", KindUint32, "Raw audio sample format"},
	{Width, "Width", KindUint32, "Picture width"},
	{Height, "Height", KindUint32, "Picture height"},
	{PixelFormat, "PixelFormat", KindUint32, "Raw pixel format"},
	{FPS, "FPS", KindFraction, "Video frame rate"},
	{SAR, "SAR", KindFraction, "Sample aspect ratio"},
	{Bitrate, "Bitrate", KindUint32, "Average bitrate in bits per second"},
	{Duration, "Duration", KindFraction, "Stream duration in seconds"},
	{Language, "Language", KindString, "Language code"},
	{Unframed, "Unframed", KindBool, "Packets do not carry whole access units"},
	{URL, "URL", KindString, "Source or destination URL"},
	{MIME, "MIME", KindString, "MIME type"},
	{FileExt, "Extension", KindString, "File extension"},
	{PayloadType, "PayloadType", KindUint32, "RTP payload type"},
	{SSRC, "SSRC", KindUint32, "RTP synchronization source"},
	{ClockRate, "ClockRate", KindUint32, "RTP clock rate"},
	{SenderNTP, "SenderNTP", KindUint64, "NTP time of the last RTCP sender report"},
}

var (
	builtinByCode = make(map[Code]Info, len(builtins))
	builtinByName = make(map[string]Info, len(builtins))
)

func init() {
	for _, info := range builtins {
		builtinByCode[info.Code] = info
		builtinByName[strings.ToLower(info.Name)] = info
	}
}

// Builtins returns the built-in property table.
func Builtins() []Info {
	out := make([]Info, len(builtins))
	copy(out, builtins)
	return out
}

// Lookup returns the built-in info for c.
func Lookup(c Code) (Info, bool) {
	info, ok := builtinByCode[c]
	return info, ok
}

// CodeByName resolves a built-in name (case-insensitive) or a literal four-character code.
func CodeByName(name string) (Code, bool) {
	if info, ok := builtinByName[strings.ToLower(name)]; ok {
		return info.Code, true
	}
	if len(name) == 4 {
		c := FourCC(name)
		if _, ok := builtinByCode[c]; ok {
			return c, true
		}
	}
	return 0, false
}

// Stream types.
const (
	StreamUnknown uint32 = iota
	StreamVisual
	StreamAudio
	StreamText
	StreamFile
	StreamScene
)

var streamTypeNames = map[uint32]string{
	StreamUnknown: "unknown",
	StreamVisual:  "visual",
	StreamAudio:   "audio",
	StreamText:    "text",
	StreamFile:    "file",
	StreamScene:   "scene",
}

// StreamTypeName returns the name of a stream type.
func StreamTypeName(st uint32) string {
	if name, ok := streamTypeNames[st]; ok {
		return name
	}
	return "stream(" + strconv.FormatUint(uint64(st), 10) + ")"
}

// Codec identifiers.
var (
	CodecRaw  = uint32(FourCC("RAW "))
	CodecAVC  = uint32(FourCC("avc1"))
	CodecHEVC = uint32(FourCC("hvc1"))
	CodecAAC  = uint32(FourCC("mp4a"))
	CodecOpus = uint32(FourCC("Opus"))
	CodecMP3  = uint32(FourCC(".mp3"))
	CodecText = uint32(FourCC("text"))
	CodecRTP  = uint32(FourCC("rtp "))
)

var codecNames = map[uint32]string{
	CodecRaw:  "raw",
	CodecAVC:  "avc",
	CodecHEVC: "hevc",
	CodecAAC:  "aac",
	CodecOpus: "opus",
	CodecMP3:  "mp3",
	CodecText: "text",
	CodecRTP:  "rtp",
}

// CodecName returns the short name of a codec identifier.
func CodecName(codec uint32) string {
	if name, ok := codecNames[codec]; ok {
		return name
	}
	return strings.TrimSpace(Code(codec).FourCC())
}

// Key identifies a property by built-in code or by free-form name.
type Key struct {
	Code Code
	Name string
}

// K returns the key for a built-in code.
func K(c Code) Key { return Key{Code: c} }

// N returns the key for a free-form name.
func N(name string) Key { return Key{Name: name} }

func (k Key) String() string {
	if k.Name != "" {
		return k.Name
	}
	return k.Code.String()
}

// ParseKey resolves a textual key: built-in names and codes map to code keys,
// anything else is a free-form name.
func ParseKey(s string) Key {
	if c, ok := CodeByName(s); ok {
		return K(c)
	}
	return N(s)
}
