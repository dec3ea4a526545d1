package device

import (
	"encoding/binary"

	"kinectic.net/gokinect/driver"
)

// DepthFrameRaw returns the newest complete depth frame and its mode. The
// returned slice is a borrowed read-only view, valid only while the depth
// frame notification that announced it is being handled; it may be reused
// for a later frame afterwards.
func (d *Device) DepthFrameRaw() ([]byte, driver.FrameMode) {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	return d.depth.view, d.depth.mode
}

// VideoFrameRaw returns the newest complete video frame and its mode, under
// the same borrowing contract as DepthFrameRaw.
func (d *Device) VideoFrameRaw() ([]byte, driver.FrameMode) {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	return d.video.view, d.video.mode
}

// DepthFrameTimestamp returns the driver timestamp of the depth frame the
// view accessors currently expose.
func (d *Device) DepthFrameTimestamp() uint32 {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	return d.depth.viewTimestamp
}

// VideoFrameTimestamp returns the driver timestamp of the video frame the
// view accessors currently expose.
func (d *Device) VideoFrameTimestamp() uint32 {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	return d.video.viewTimestamp
}

// DepthFrameGrayscale converts the newest 16-bit depth frame into 8-bit
// gray RGB triplets in the session's scratch buffer and returns it with a
// mode describing the converted image. Packed depth layouts have no
// 16-bit-per-pixel rendition and yield a nil slice. The same borrowing
// contract as DepthFrameRaw applies, and the scratch buffer is shared with
// VideoFrameRGB.
func (d *Device) DepthFrameGrayscale() ([]byte, driver.FrameMode) {
	d.streamMu.Lock()
	view := d.depth.view
	mode := d.depth.mode
	scratch := d.scratch
	d.streamMu.Unlock()

	if view == nil || scratch == nil {
		return nil, driver.FrameMode{}
	}
	if mode.Bytes != mode.Width*mode.Height*2 {
		return nil, driver.FrameMode{}
	}

	pixels := mode.Width * mode.Height
	out := scratch[:pixels*3]

	for i := 0; i < pixels; i++ {
		raw := binary.LittleEndian.Uint16(view[i*2:])
		c := byte(uint32(raw) * 256 / 2048)
		out[i*3+0] = c
		out[i*3+1] = c
		out[i*3+2] = c
	}

	return out, rgbMode(mode)
}

// VideoFrameRGB returns the newest video frame as packed RGB. RGB and
// YUV-derived RGB frames are returned as-is; 8-bit IR frames are expanded
// into gray triplets in the scratch buffer. Formats without an RGB
// rendition yield a nil slice.
func (d *Device) VideoFrameRGB() ([]byte, driver.FrameMode) {
	d.streamMu.Lock()
	view := d.video.view
	mode := d.video.mode
	scratch := d.scratch
	d.streamMu.Unlock()

	if view == nil || scratch == nil {
		return nil, driver.FrameMode{}
	}

	switch mode.VideoFormat {
	case driver.VideoFormatRGB, driver.VideoFormatYUVRGB:
		return view, mode

	case driver.VideoFormatIR8Bit:
		pixels := mode.Width * mode.Height
		out := scratch[:pixels*3]
		for i := 0; i < pixels; i++ {
			out[i*3+0] = view[i]
			out[i*3+1] = view[i]
			out[i*3+2] = view[i]
		}
		return out, rgbMode(mode)

	default:
		return nil, driver.FrameMode{}
	}
}

// rgbMode derives the mode of a converted 24-bit RGB image from the source
// stream's mode.
func rgbMode(src driver.FrameMode) driver.FrameMode {
	out := src
	out.VideoFormat = driver.VideoFormatRGB
	out.BitsPerPixel = 24
	out.PaddingBitsPerPixel = 0
	out.Bytes = src.Width * src.Height * 3
	return out
}
