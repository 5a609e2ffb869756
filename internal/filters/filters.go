// Package filters provides the built-in filter types: a synthetic source,
// an inspecting sink, a reframer, RTP payloading and depayloading, a
// command source and file input and output.
package filters

import (
	"fmt"

	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
)

// Descriptors returns fresh descriptors of every built-in filter type.
func Descriptors() []*filter.Descriptor {
	return []*filter.Descriptor{
		TestSource(),
		Inspect(),
		Reframer(),
		RTPPayloader(),
		RTPDepayloader(),
		ExecInput(),
		FileInput(),
		FileOutput(),
	}
}

// Register adds the built-in filter types to reg.
func Register(reg *filter.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	return nil
}

// encodingKey names the codec carried inside an RTP stream.
var encodingKey = props.N("encoding")

func codecOf(p *filter.Pid) uint32 {
	v, _ := p.PropCode(props.CodecID)
	return uint32(v.Uint())
}

// parseCodec resolves a codec name such as "avc" or a four-character code.
func parseCodec(text string) (uint32, error) {
	v, err := props.ParseFor(props.K(props.CodecID), text)
	if err != nil {
		return 0, filter.NewError(filter.CodeBadParameter, fmt.Sprintf("unknown codec %q", text), err)
	}
	if v.Kind() != props.KindUint32 {
		return 0, filter.NewError(filter.CodeBadParameter, fmt.Sprintf("unknown codec %q", text), nil)
	}
	return uint32(v.Uint()), nil
}
