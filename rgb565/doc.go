// Package rgb565 provides the 16-bit packed color format used by the ST7789V
// display controller, and the codec that turns RGBA frames into wire bytes.
//
// Each pixel is stored as a big-endian uint16: 5 bits red, 6 bits green, 5
// bits blue. The controller expects the high byte first when COLMOD is 0x55.
//
// Memory layout example for a 2-pixel row:
//
//	Pixels: 0         1
//	Colors: red       white
//	Value:  0xF800    0xFFFF
//	Bytes:  F8 00     FF FF
//
// This package provides:
//
// - Color: a packed 5-6-5 color value
// - Model: a color model for converting standard Go colors to Color
// - Image: an image.Image stored in wire order, so its Pix can be sent as is
// - LUT and Codec: gamma corrected per-channel tables and the frame encoder
//
// Example usage:
//
//	// Encode the top-left 16x16 block of a frame, with a 2.2 gamma curve.
//	c := rgb565.NewCodec(2.2)
//	buf := c.Encode(nil, frame, image.Rect(0, 0, 16, 16))
//	// len(buf) == 16*16*2
//
//	// Draw into a wire-ordered image with standard Go image operations.
//	img := rgb565.NewImage(image.Rect(0, 0, 240, 320))
//	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 255, A: 255}), image.Point{}, draw.Src)
package rgb565
