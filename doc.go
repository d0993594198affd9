// Package st7789v controls a ST7789V TFT display via SPI.
//
// The ST7789V is a 262K color LCD controller with a 240×320 frame memory,
// driven here in 16-bit RGB565 mode. This driver implements the
// display.Drawer interface from periph.io and adds a differential update
// engine that only sends the parts of a frame that changed.
//
// # Display Characteristics
//
// - 16-bit RGB565 color, big-endian on the wire
// - 240×320 native resolution, smaller panels via offsets
// - Rotation in 90 degree steps through MADCTL
// - RGB or BGR subpixel order, optional color inversion
// - Sleep, wake and power off, PWM backlight
//
// # Hardware Connection
//
//	Display Pin → System Pin
//	GND         → GND
//	VCC         → 3.3V
//	SCL         → SPI Clock (SCLK)
//	SDA         → SPI Data (MOSI)
//	DC          → GPIO (required)
//	CS          → SPI Chip Select, or a GPIO given in Pins.CS
//	RES         → Optional: GPIO for hardware reset
//	BLK         → Optional: GPIO for the backlight, PWM capable for dimming
//
// # Basic Usage
//
//	package main
//
//	import (
//		"image"
//		"image/color"
//
//		"periph.io/x/conn/v3/gpio/gpioreg"
//		"periph.io/x/conn/v3/spi/spireg"
//		"periph.io/x/devices/v3/st7789v"
//		"periph.io/x/host/v3"
//	)
//
//	func main() {
//		host.Init()
//		p, _ := spireg.Open("")
//		pins := st7789v.Pins{
//			DC:  gpioreg.ByName("GPIO24"),
//			RST: gpioreg.ByName("GPIO25"),
//			BL:  gpioreg.ByName("GPIO23"),
//		}
//		dev, _ := st7789v.NewSPI(p, pins, &st7789v.Opts{Invert: true})
//		defer dev.Close()
//
//		img := image.NewRGBA(dev.Bounds())
//		img.Set(10, 10, color.RGBA{R: 0xFF, A: 0xFF})
//		dev.Display(img)
//	}
//
// WithDev opens, initializes and closes the device around a function.
//
// # Drawing Modes
//
// Display compares the frame with the last one sent, merges the changed
// areas into a few rectangles and sends only those. A frame identical to the
// previous one costs no SPI traffic. DisplayFull, DisplayRegion and
// DisplayRegions bypass the comparison. Write sends raw RGB565 bytes for the
// whole screen.
//
// Differential updates are tuned through Opts:
//
//	Opts{
//		Margin:         2,   // grow each changed area
//		MergeThreshold: 1.5, // merge two areas if the union is at most 1.5x their sum
//		MaxRegions:     6,   // never send more rectangles than this per frame
//		DiffBand:       16,  // compare in bands of 16 rows instead of one bounding box
//	}
//
// Serve runs Display over a channel of frames until the channel is closed or
// the context is canceled.
//
// # Transport
//
// The SPITransport caches the DC and CS levels and the last address window,
// so repeated commands and writes to the same area skip redundant traffic.
// Pixel data is split into chunks whose size adapts to the measured
// throughput, bounded by the port's maximum transfer size. A failed chunk
// halves the chunk size and is retried once.
//
// # Logging
//
// The package is silent by default. Use SetLogger to receive the init
// sequence, window and chunk changes through log/slog.
//
// # Datasheet
//
// https://www.newhavendisplay.com/appnotes/datasheets/LCDs/ST7789V.pdf
package st7789v
