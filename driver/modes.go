package driver

// Resolution enumerates the supported camera resolutions.
type Resolution uint

const (
	ResolutionLow Resolution = iota // 320x240
	ResolutionMedium                // 640x480
	ResolutionHigh                  // 1280x1024
)

// DepthFormat enumerates the depth stream pixel formats.
type DepthFormat uint

const (
	DepthFormat11Bit DepthFormat = iota
	DepthFormat10Bit
	DepthFormat11BitPacked
	DepthFormat10BitPacked
	DepthFormatRegistered
	DepthFormatMM
)

// VideoFormat enumerates the video stream pixel formats.
type VideoFormat uint

const (
	VideoFormatRGB VideoFormat = iota
	VideoFormatBayer
	VideoFormatIR8Bit
	VideoFormatIR10Bit
	VideoFormatIR10BitPacked
	VideoFormatYUVRGB
	VideoFormatYUVRaw
)

// FrameMode describes the geometry of one camera stream: resolution, pixel
// format, frame byte count and dimensions. Depth modes carry a DepthFormat,
// video modes a VideoFormat; the other field is meaningless for that stream.
type FrameMode struct {
	Resolution  Resolution
	VideoFormat VideoFormat
	DepthFormat DepthFormat

	// Bytes is the total size of one frame.
	Bytes int

	Width  int
	Height int

	BitsPerPixel        int
	PaddingBitsPerPixel int

	FrameRate int
}

// The mode tables replicate the geometry the hardware actually produces.
// The IR camera delivers 8 extra lines at medium resolution.
var depthModes = []FrameMode{
	{Resolution: ResolutionMedium, DepthFormat: DepthFormat11Bit, Bytes: 640 * 480 * 2, Width: 640, Height: 480, BitsPerPixel: 11, PaddingBitsPerPixel: 5, FrameRate: 30},
	{Resolution: ResolutionMedium, DepthFormat: DepthFormat10Bit, Bytes: 640 * 480 * 2, Width: 640, Height: 480, BitsPerPixel: 10, PaddingBitsPerPixel: 6, FrameRate: 30},
	{Resolution: ResolutionMedium, DepthFormat: DepthFormat11BitPacked, Bytes: 640 * 480 * 11 / 8, Width: 640, Height: 480, BitsPerPixel: 11, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionMedium, DepthFormat: DepthFormat10BitPacked, Bytes: 640 * 480 * 10 / 8, Width: 640, Height: 480, BitsPerPixel: 10, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionMedium, DepthFormat: DepthFormatRegistered, Bytes: 640 * 480 * 2, Width: 640, Height: 480, BitsPerPixel: 16, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionMedium, DepthFormat: DepthFormatMM, Bytes: 640 * 480 * 2, Width: 640, Height: 480, BitsPerPixel: 16, PaddingBitsPerPixel: 0, FrameRate: 30},
}

var videoModes = []FrameMode{
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatRGB, Bytes: 640 * 480 * 3, Width: 640, Height: 480, BitsPerPixel: 24, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionHigh, VideoFormat: VideoFormatRGB, Bytes: 1280 * 1024 * 3, Width: 1280, Height: 1024, BitsPerPixel: 24, PaddingBitsPerPixel: 0, FrameRate: 10},
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatBayer, Bytes: 640 * 480, Width: 640, Height: 480, BitsPerPixel: 8, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionHigh, VideoFormat: VideoFormatBayer, Bytes: 1280 * 1024, Width: 1280, Height: 1024, BitsPerPixel: 8, PaddingBitsPerPixel: 0, FrameRate: 10},
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatIR8Bit, Bytes: 640 * 488, Width: 640, Height: 488, BitsPerPixel: 8, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionHigh, VideoFormat: VideoFormatIR8Bit, Bytes: 1280 * 1024, Width: 1280, Height: 1024, BitsPerPixel: 8, PaddingBitsPerPixel: 0, FrameRate: 10},
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatIR10Bit, Bytes: 640 * 488 * 2, Width: 640, Height: 488, BitsPerPixel: 10, PaddingBitsPerPixel: 6, FrameRate: 30},
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatIR10BitPacked, Bytes: 640 * 488 * 10 / 8, Width: 640, Height: 488, BitsPerPixel: 10, PaddingBitsPerPixel: 0, FrameRate: 30},
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatYUVRGB, Bytes: 640 * 480 * 3, Width: 640, Height: 480, BitsPerPixel: 24, PaddingBitsPerPixel: 0, FrameRate: 15},
	{Resolution: ResolutionMedium, VideoFormat: VideoFormatYUVRaw, Bytes: 640 * 480 * 2, Width: 640, Height: 480, BitsPerPixel: 16, PaddingBitsPerPixel: 0, FrameRate: 15},
}

// FindDepthMode looks up the frame mode for a depth resolution/format
// combination. The depth camera only supports medium resolution.
func FindDepthMode(res Resolution, format DepthFormat) (FrameMode, bool) {
	for _, m := range depthModes {
		if m.Resolution == res && m.DepthFormat == format {
			return m, true
		}
	}
	return FrameMode{}, false
}

// FindVideoMode looks up the frame mode for a video resolution/format
// combination.
func FindVideoMode(res Resolution, format VideoFormat) (FrameMode, bool) {
	for _, m := range videoModes {
		if m.Resolution == res && m.VideoFormat == format {
			return m, true
		}
	}
	return FrameMode{}, false
}
