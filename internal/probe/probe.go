// Package probe identifies the container and video codec of a stream from
// its first bytes, so the decode stage can be configured before any data
// is pushed.
package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ErrUnknownFormat is returned when the head matches no supported container
var ErrUnknownFormat = errors.New("probe: unknown stream format")

// Container of the encoded stream
type Container string

const (
	ContainerMP4    Container = "mp4"
	ContainerAnnexB Container = "annexb"
)

// Codec of the video elementary stream
type Codec string

const (
	CodecH264    Codec = "h264"
	CodecH265    Codec = "h265"
	CodecAV1     Codec = "av1"
	CodecUnknown Codec = "unknown"
)

// Format is the probe result
type Format struct {
	Container Container
	Codec     Codec
}

// Key is the decoder lookup key: "container/codec", or just the container
// when the codec could not be determined.
func (f Format) Key() string {
	if f.Codec == CodecUnknown || f.Codec == "" {
		return string(f.Container)
	}
	return string(f.Container) + "/" + string(f.Codec)
}

func (f Format) String() string {
	return f.Key()
}

// parameterSetPrefix bounds the bytes split when the whole head is rejected
const parameterSetPrefix = 1024

// H.265 NAL unit types of the parameter sets
const (
	hevcNALUTypeVPS = 32
	hevcNALUTypeSPS = 33
	hevcNALUTypePPS = 34
)

// Detect inspects the first bytes of a stream
func Detect(head []byte) (Format, error) {
	if isISOBMFF(head) {
		return Format{Container: ContainerMP4, Codec: detectMP4Codec(head)}, nil
	}

	if hasStartCode(head) {
		codec, err := detectAnnexBCodec(head)
		if err != nil {
			return Format{}, err
		}
		return Format{Container: ContainerAnnexB, Codec: codec}, nil
	}

	return Format{}, ErrUnknownFormat
}

// isISOBMFF reports whether the first box is an ftyp box
func isISOBMFF(head []byte) bool {
	if len(head) < 8 {
		return false
	}
	size := binary.BigEndian.Uint32(head[0:4])
	return string(head[4:8]) == "ftyp" && size >= 8
}

func hasStartCode(head []byte) bool {
	return bytes.HasPrefix(head, []byte{0, 0, 0, 1}) || bytes.HasPrefix(head, []byte{0, 0, 1})
}

// detectMP4Codec reads the video sample entry. The moov box is often at
// the end of the file; in that case the codec stays unknown.
func detectMP4Codec(head []byte) Codec {
	file, err := mp4.DecodeFile(bytes.NewReader(head))
	if err != nil {
		return CodecUnknown
	}

	var traks []*mp4.TrakBox
	if file.IsFragmented() && file.Init != nil && file.Init.Moov != nil {
		traks = append(traks, file.Init.Moov.Traks...)
	}
	if file.Moov != nil {
		traks = append(traks, file.Moov.Traks...)
	}

	for _, trak := range traks {
		if codec := trackCodec(trak); codec != CodecUnknown {
			return codec
		}
	}
	return CodecUnknown
}

func trackCodec(trak *mp4.TrakBox) Codec {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
		return CodecUnknown
	}
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return CodecUnknown
	}

	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		switch child.Type() {
		case "avc1", "avc3":
			return CodecH264
		case "hvc1", "hev1":
			return CodecH265
		case "av01":
			return CodecAV1
		}
	}
	return CodecUnknown
}

// detectAnnexBCodec walks the NAL units of the head and returns the first
// codec a parameter set or IDR slice identifies unambiguously.
func detectAnnexBCodec(head []byte) (Codec, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(head); err != nil {
		// A long head can hold more NAL units than one access unit allows;
		// parameter sets come first, so a short prefix is enough
		if len(head) <= parameterSetPrefix {
			return CodecUnknown, fmt.Errorf("split annex-b: %w", err)
		}
		if err := au.Unmarshal(head[:parameterSetPrefix]); err != nil {
			return CodecUnknown, fmt.Errorf("split annex-b: %w", err)
		}
	}

	for _, nalu := range au {
		if len(nalu) == 0 || nalu[0]&0x80 != 0 {
			// Empty or forbidden bit set
			continue
		}

		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeIDR:
			return CodecH264, nil
		}

		if len(nalu) >= 2 && nalu[1]&0x07 != 0 {
			switch (nalu[0] >> 1) & 0x3F {
			case hevcNALUTypeVPS, hevcNALUTypeSPS, hevcNALUTypePPS:
				return CodecH265, nil
			}
		}
	}

	return CodecUnknown, nil
}
