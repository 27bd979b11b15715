package gstbackend

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		debug string
		want  ErrorCategory
	}{
		{
			name:  "busy decoder",
			msg:   "Failed to allocate required memory.",
			debug: "v4l2h264dec0: /dev/video10 resource busy",
			want:  ErrCategoryResource,
		},
		{
			name:  "not negotiated",
			msg:   "Internal data stream error.",
			debug: "streaming stopped, reason not-negotiated (not negotiated)",
			want:  ErrCategoryCodec,
		},
		{
			name:  "bad bitstream",
			msg:   "Could not decode stream.",
			debug: "h264parse0: broken bitstream",
			want:  ErrCategoryCodec,
		},
		{
			name:  "demuxer",
			msg:   "This file is invalid and cannot be played.",
			debug: "qtdemux.c(4321): no 'moov' atom within the first 10 MB",
			want:  ErrCategoryStream,
		},
		{
			name: "unclassified",
			msg:  "Something odd happened",
			want: ErrCategoryUnknown,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.msg, tc.debug)
			if got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestErrorCategory_String(t *testing.T) {
	want := map[ErrorCategory]string{
		ErrCategoryCodec:    "codec",
		ErrCategoryResource: "resource",
		ErrCategoryStream:   "stream",
		ErrCategoryUnknown:  "unknown",
	}
	for c, s := range want {
		if c.String() != s {
			t.Errorf("Expected %q, got %q", s, c.String())
		}
	}
}
