package gstbackend

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory represents the classification of GStreamer errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryCodec indicates decode failures (bitstream errors, negotiation)
	ErrCategoryCodec ErrorCategory = iota
	// ErrCategoryResource indicates device or allocation failures (decoder busy, no memory)
	ErrCategoryResource
	// ErrCategoryStream indicates failures reading or demuxing the input
	ErrCategoryStream
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryStream:
		return "stream"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError analyzes a GStreamer error and categorizes it.
//
// go-gst's GError does not expose Domain(), so classification relies on
// message heuristics.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

// classify checks keyword groups from most to least specific
func classify(errMsg, debugStr string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debugStr)

	// Priority 1: device and allocation failures. A busy V4L2 decoder
	// also mentions "decode", so this goes before the codec keywords.
	if containsAny(combined, resourceKeywords) {
		return ErrCategoryResource
	}

	// Priority 2: codec/format errors
	if containsAny(combined, codecKeywords) {
		return ErrCategoryCodec
	}

	// Priority 3: input errors
	if containsAny(combined, streamKeywords) {
		return ErrCategoryStream
	}

	return ErrCategoryUnknown
}

var resourceKeywords = []string{
	"resource busy",
	"device busy",
	"no space",
	"out of memory",
	"failed to allocate",
	"cannot allocate",
	"no such device",
	"/dev/video",
	"permission denied",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"format",
	"negotiation",
	"not negotiated",
	"caps",
	"h264",
	"h265",
	"hevc",
	"no decoder",
	"missing plugin",
	"bitstream",
}

var streamKeywords = []string{
	"stream",
	"demux",
	"qtdemux",
	"moov",
	"internal data",
	"end of file",
	"could not read",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
