package st7789v

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	xdraw "golang.org/x/image/draw"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/st7789v/bufpool"
	"periph.io/x/devices/v3/st7789v/chunker"
	"periph.io/x/devices/v3/st7789v/dirty"
	"periph.io/x/devices/v3/st7789v/rgb565"
)

// Opts is the configuration for the ST7789V display.
type Opts struct {
	// Native panel dimensions in pixels (default: 240x320)
	W int
	H int

	// Orientation and panel quirks
	Rotation    int  // 0, 90, 180 or 270
	XOffset     int  // First visible column in controller RAM, native orientation
	YOffset     int  // First visible row in controller RAM, native orientation
	Invert      bool // Send INVON (needed by most IPS panels)
	BGR         bool // Panel has BGR subpixel order
	PanelTuning bool // Send the porch, power and gamma register block at init

	// Wire
	Speed        physic.Frequency // SPI clock (default: 32MHz)
	ChunkInitial int              // Initial pixel chunk in bytes (default: 4096)
	ChunkMin     int              // Smallest pixel chunk (default: 1024)
	ChunkMax     int              // Largest pixel chunk (default: 16384)

	// Differential update tuning
	Gamma          float64 // Gamma applied before packing (default: 1)
	Margin         int     // Pixels added around each dirty rectangle (default: 0)
	MergeThreshold float64 // See dirty.Merge (default: 1.5)
	MaxRegions     int     // Cap on rectangles per frame (default: 6, negative: no cap)
	DiffBand       int     // Rows per diff band, 0 computes a single bounding box

	// Backlight
	Brightness       int              // Initial level 1-255 (default: 255)
	BacklightAtClose bool             // Leave the backlight on after Close
	PWMFrequency     physic.Frequency // Backlight PWM frequency (default: 1kHz)

	PoolDepth int             // Free buffers kept per size class (default: 8)
	Clock     clockwork.Clock // Time source for settle delays and stats
}

// State is the power state of the controller.
type State int

const (
	Uninitialized State = iota
	Awake
	Sleeping
	PoweredOff
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Awake:
		return "awake"
	case Sleeping:
		return "sleeping"
	case PoweredOff:
		return "powered off"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dev is the device handle for the ST7789V display.
type Dev struct {
	// Communication
	t   Transport
	clk clockwork.Clock

	opts  Opts
	codec *rgb565.Codec
	pool  *bufpool.Pool
	mon   *monitor

	// Display geometry
	native   image.Point
	rotation int
	rect     image.Rectangle // Logical bounds, rotation applied

	// Pixel buffers
	cache   *image.RGBA // Last frame known to be on the panel
	scratch *image.RGBA // Conversion target for non-RGBA frames
	canvas  *image.RGBA // Draw target

	// State
	state      State
	displayOff bool // DISPOFF sent since the last DISPON
	brightness uint8
}

var (
	_ display.Drawer = (*Dev)(nil)
	_ FrameSink      = (*Dev)(nil)
)

// New returns a device talking to an ST7789V over p. No I/O happens until
// Init.
//
// The SPI port is configured for Mode0, 8-bit transfers, at opts.Speed.
// opts can be nil to use defaults (240x320 panel, portrait).
func New(p spi.Port, pins Pins, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, newErr(ErrInvalidArgument, "nil SPI port")
	}
	if pins.DC == nil {
		return nil, newErr(ErrInvalidArgument, "DC pin is required")
	}
	o, err := normalize(opts)
	if err != nil {
		return nil, err
	}
	t := NewSPITransport(p, pins, TransportOpts{
		Speed: o.Speed,
		Chunk: chunker.Policy{
			Initial: o.ChunkInitial,
			Min:     o.ChunkMin,
			Max:     o.ChunkMax,
		},
		PWMFrequency: o.PWMFrequency,
		Clock:        o.Clock,
	})
	return newDev(t, o), nil
}

// NewWithTransport returns a device using t. No I/O happens until Init.
func NewWithTransport(t Transport, opts *Opts) (*Dev, error) {
	if t == nil {
		return nil, newErr(ErrInvalidArgument, "nil transport")
	}
	o, err := normalize(opts)
	if err != nil {
		return nil, err
	}
	return newDev(t, o), nil
}

// NewSPI returns an initialized device. On failure the port has been
// released.
func NewSPI(p spi.Port, pins Pins, opts *Opts) (*Dev, error) {
	d, err := New(p, pins, opts)
	if err != nil {
		return nil, err
	}
	if err := d.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

// WithDev initializes a device, runs fn with it and closes it, whatever fn
// returns.
func WithDev(p spi.Port, pins Pins, opts *Opts, fn func(*Dev) error) (err error) {
	d, err := NewSPI(p, pins, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, d.Close())
	}()
	return fn(d)
}

func normalize(opts *Opts) (Opts, error) {
	var o Opts
	if opts != nil {
		o = *opts
	}
	if o.W == 0 && o.H == 0 {
		o.W, o.H = 240, 320
	}
	if o.W <= 0 || o.H <= 0 || o.W > 0xFFFF || o.H > 0xFFFF {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("size %dx%d", o.W, o.H))
	}
	if o.XOffset < 0 || o.YOffset < 0 || o.XOffset+o.W > 0x10000 || o.YOffset+o.H > 0x10000 {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("offset %d,%d", o.XOffset, o.YOffset))
	}
	if _, ok := madctl(o.Rotation, false); !ok {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("rotation %d, must be 0, 90, 180 or 270", o.Rotation))
	}
	if o.Gamma == 0 {
		o.Gamma = 1
	}
	if o.Gamma < 0 || math.IsNaN(o.Gamma) || math.IsInf(o.Gamma, 0) {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("gamma %v", o.Gamma))
	}
	if o.Margin < 0 {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("margin %d", o.Margin))
	}
	if o.MergeThreshold == 0 {
		o.MergeThreshold = dirty.DefaultThreshold
	}
	if o.MergeThreshold < 1 {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("merge threshold %v, must be >= 1", o.MergeThreshold))
	}
	if o.MaxRegions == 0 {
		o.MaxRegions = 6
	}
	if o.ChunkMin > 0 && o.ChunkMax > 0 && o.ChunkMin > o.ChunkMax {
		return o, newErr(ErrInvalidArgument, fmt.Sprintf("chunk bounds %d > %d", o.ChunkMin, o.ChunkMax))
	}
	if o.Brightness <= 0 || o.Brightness > 255 {
		o.Brightness = 255
	}
	if o.Speed <= 0 {
		o.Speed = 32 * physic.MegaHertz
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o, nil
}

func newDev(t Transport, o Opts) *Dev {
	d := &Dev{
		t:          t,
		clk:        o.Clock,
		opts:       o,
		codec:      rgb565.NewCodec(o.Gamma),
		pool:       bufpool.New(o.PoolDepth),
		mon:        newMonitor(o.Clock),
		native:     image.Pt(o.W, o.H),
		brightness: uint8(o.Brightness),
	}
	d.applyRotation(o.Rotation)
	return d
}

// Init opens the transport and runs the power-up sequence. A failure is
// final: the transport is released and the device is closed.
func (d *Dev) Init() error {
	switch d.state {
	case Uninitialized:
	case Closed:
		return newErr(ErrClosed, "init")
	default:
		return newErr(ErrInvalidState, "already initialized")
	}
	if err := d.t.Open(); err != nil {
		d.release()
		if errors.Is(err, ErrConnection) {
			return err
		}
		return wrapErr(ErrConnection, "open transport", err)
	}
	if err := d.powerUp(); err != nil {
		d.release()
		return err
	}
	d.state = Awake
	return nil
}

// command sends cmd and waits settle.
func (d *Dev) command(settle time.Duration, cmd byte, params ...byte) error {
	if err := d.t.WriteCommand(cmd, params...); err != nil {
		return err
	}
	if settle > 0 {
		d.clk.Sleep(settle)
	}
	return nil
}

func (d *Dev) powerUp() error {
	log := Logger()
	log.Debug("st7789v: power up", "size", d.native, "rotation", d.rotation)
	if err := d.t.Reset(d.clk.Sleep); err != nil {
		return err
	}
	if err := d.command(150*time.Millisecond, cmdSWRESET); err != nil {
		return err
	}
	if err := d.command(500*time.Millisecond, cmdSLPOUT); err != nil {
		return err
	}
	if err := d.command(0, cmdCOLMOD, colmod16); err != nil {
		return err
	}
	if d.opts.PanelTuning {
		for _, r := range panelTuning {
			if err := d.command(0, r.cmd, r.params...); err != nil {
				return err
			}
		}
	}
	inv := cmdINVOFF
	if d.opts.Invert {
		inv = cmdINVON
	}
	if err := d.command(0, inv); err != nil {
		return err
	}
	if err := d.command(0, cmdNORON); err != nil {
		return err
	}
	if err := d.command(100*time.Millisecond, cmdDISPON); err != nil {
		return err
	}
	d.displayOff = false
	m, _ := madctl(d.rotation, d.opts.BGR)
	if err := d.command(0, cmdMADCTL, m); err != nil {
		return err
	}
	d.t.InvalidateWindow()
	return d.t.SetBacklight(duty(d.brightness))
}

// release closes the transport and marks the device closed.
func (d *Dev) release() {
	if err := d.t.Close(); err != nil {
		Logger().Warn("st7789v: releasing transport", "err", err)
	}
	d.state = Closed
	d.cache, d.scratch, d.canvas = nil, nil, nil
	d.pool.Reset()
}

func (d *Dev) ready() error {
	switch d.state {
	case Uninitialized:
		return newErr(ErrNotInitialized, "call Init first")
	case Closed:
		return newErr(ErrClosed, "device closed")
	}
	return nil
}

func duty(level uint8) gpio.Duty {
	return gpio.Duty(int64(level) * int64(gpio.DutyMax) / 255)
}

func (d *Dev) applyRotation(angle int) {
	d.rotation = angle
	if angle == 90 || angle == 270 {
		d.rect = image.Rect(0, 0, d.native.Y, d.native.X)
	} else {
		d.rect = image.Rect(0, 0, d.native.X, d.native.Y)
	}
	d.cache, d.scratch, d.canvas = nil, nil, nil
}

// SetRotation changes the orientation. The logical size swaps for 90 and
// 270, and the next frame is sent in full.
//
// Before Init only the setting is recorded.
func (d *Dev) SetRotation(angle int) error {
	if d.state == Closed {
		return newErr(ErrClosed, "device closed")
	}
	m, ok := madctl(angle, d.opts.BGR)
	if !ok {
		return newErr(ErrInvalidArgument, fmt.Sprintf("rotation %d, must be 0, 90, 180 or 270", angle))
	}
	if d.state != Uninitialized {
		if err := d.t.WriteCommand(cmdMADCTL, m); err != nil {
			return err
		}
	}
	d.applyRotation(angle)
	d.t.InvalidateWindow()
	Logger().Debug("st7789v: rotation", "angle", angle, "size", d.rect.Size())
	return nil
}

// frame returns img as an RGBA image covering the logical bounds. A
// matching *image.RGBA is used as is; anything else is copied, or scaled
// when its size differs.
func (d *Dev) frame(img image.Image) (*image.RGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, newErr(ErrInvalidArgument, "empty frame")
	}
	if m, ok := img.(*image.RGBA); ok && m.Rect == d.rect {
		return m, nil
	}
	if d.scratch == nil {
		d.scratch = image.NewRGBA(d.rect)
	}
	b := img.Bounds()
	if b.Size() == d.rect.Size() {
		draw.Draw(d.scratch, d.rect, img, b.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(d.scratch, d.rect, img, b, xdraw.Src, nil)
	}
	return d.scratch, nil
}

// window maps a logical rectangle to inclusive controller coordinates.
func (d *Dev) window(r image.Rectangle) (x0, x1, y0, y1 int) {
	xo, yo := d.opts.XOffset, d.opts.YOffset
	if d.rotation == 90 || d.rotation == 270 {
		xo, yo = yo, xo
	}
	return r.Min.X + xo, r.Max.X - 1 + xo, r.Min.Y + yo, r.Max.Y - 1 + yo
}

// send encodes r of frame and writes it to the panel.
func (d *Dev) send(frame *image.RGBA, r image.Rectangle) error {
	buf := d.pool.Get(rgb565.EncodedLen(r))
	buf = d.codec.Encode(buf, frame, r)
	defer d.pool.Put(buf)
	x0, x1, y0, y1 := d.window(r)
	if err := d.t.SetWindow(x0, x1, y0, y1); err != nil {
		return err
	}
	return d.t.WritePixels(buf)
}

func (d *Dev) sendFull(frame *image.RGBA, start time.Time) error {
	if err := d.send(frame, d.rect); err != nil {
		return err
	}
	if d.cache == nil || d.cache.Rect != frame.Rect {
		d.cache = image.NewRGBA(frame.Rect)
	}
	draw.Draw(d.cache, d.cache.Rect, frame, frame.Rect.Min, draw.Src)
	d.mon.frame(start, 1)
	return nil
}

func (d *Dev) sendRegions(frame *image.RGBA, regions []image.Rectangle, start time.Time) error {
	for i, r := range regions {
		regions[i] = dirty.Clamp(dirty.Expand(r, d.opts.Margin), d.rect)
	}
	regions = dirty.Merge(regions, d.opts.MergeThreshold, max(d.opts.MaxRegions, 0))
	for _, r := range regions {
		if err := d.send(frame, r); err != nil {
			return err
		}
		if d.cache != nil {
			draw.Draw(d.cache, r, frame, r.Min, draw.Src)
		}
	}
	d.mon.frame(start, len(regions))
	return nil
}

// Display sends the parts of img that changed since the last frame. A frame
// identical to the previous one sends nothing at all.
//
// img is scaled to the logical size when it differs.
func (d *Dev) Display(img image.Image) error {
	if err := d.ready(); err != nil {
		return err
	}
	start := d.clk.Now()
	frame, err := d.frame(img)
	if err != nil {
		return err
	}
	if d.cache == nil || d.cache.Rect != frame.Rect {
		return d.sendFull(frame, start)
	}
	regions := dirty.ComputeBands(d.cache, frame, d.opts.DiffBand)
	if len(regions) == 0 {
		d.mon.frame(start, 0)
		return nil
	}
	return d.sendRegions(frame, regions, start)
}

// DisplayFull sends all of img without comparing it to the previous frame.
func (d *Dev) DisplayFull(img image.Image) error {
	if err := d.ready(); err != nil {
		return err
	}
	start := d.clk.Now()
	frame, err := d.frame(img)
	if err != nil {
		return err
	}
	return d.sendFull(frame, start)
}

// DisplayRegion sends the pixels of img inside r, without comparing. r is
// clipped to the logical bounds and must not end up empty.
func (d *Dev) DisplayRegion(img image.Image, r image.Rectangle) error {
	if err := d.ready(); err != nil {
		return err
	}
	c := dirty.Clamp(r, d.rect)
	if c.Empty() {
		return newErr(ErrInvalidArgument, fmt.Sprintf("region %v outside %v", r, d.rect))
	}
	start := d.clk.Now()
	frame, err := d.frame(img)
	if err != nil {
		return err
	}
	if err := d.send(frame, c); err != nil {
		return err
	}
	if d.cache != nil {
		draw.Draw(d.cache, c, frame, c.Min, draw.Src)
	}
	d.mon.frame(start, 1)
	return nil
}

// DisplayRegions sends the pixels of img inside regions, merged the same way
// Display merges dirty rectangles.
func (d *Dev) DisplayRegions(img image.Image, regions []image.Rectangle) error {
	if err := d.ready(); err != nil {
		return err
	}
	if len(regions) == 0 {
		return nil
	}
	start := d.clk.Now()
	frame, err := d.frame(img)
	if err != nil {
		return err
	}
	return d.sendRegions(frame, append([]image.Rectangle(nil), regions...), start)
}

// Write sends a raw frame of big-endian RGB565 pixels covering the logical
// bounds. The data must be exactly 2 bytes per pixel.
func (d *Dev) Write(pixels []byte) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	if len(pixels) != rgb565.EncodedLen(d.rect) {
		return 0, newErr(ErrInvalidArgument, "invalid buffer size")
	}
	x0, x1, y0, y1 := d.window(d.rect)
	if err := d.t.SetWindow(x0, x1, y0, y1); err != nil {
		return 0, err
	}
	if err := d.t.WritePixels(pixels); err != nil {
		return 0, err
	}
	// The panel content no longer matches any RGBA frame.
	d.cache, d.canvas = nil, nil
	return len(pixels), nil
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return rgb565.Model
}

// Bounds implements display.Drawer. It is the logical bounds.
func (d *Dev) Bounds() image.Rectangle {
	return d.rect
}

// Draw implements display.Drawer. src is drawn at dst over the previous
// content and only the changes are sent.
func (d *Dev) Draw(dst image.Rectangle, src image.Image, sp image.Point) error {
	if err := d.ready(); err != nil {
		return err
	}
	dst = dst.Intersect(d.rect)
	if dst.Empty() {
		return nil
	}

	// Fast path: a wire-ordered image covering the whole panel.
	if img, ok := src.(*rgb565.Image); ok {
		if dst == d.rect && sp == (image.Point{}) && img.Rect == d.rect {
			_, err := d.Write(img.Pix)
			return err
		}
	}

	if d.canvas == nil {
		d.canvas = image.NewRGBA(d.rect)
	}
	// Display may have been called since the last Draw.
	if d.cache != nil {
		copy(d.canvas.Pix, d.cache.Pix)
	}
	draw.Draw(d.canvas, dst, src, sp, draw.Src)
	return d.Display(d.canvas)
}

// SetBrightness sets the backlight level, 0 being off. While the panel is
// asleep or off the level is stored and applied on Wake.
func (d *Dev) SetBrightness(level uint8) error {
	if err := d.ready(); err != nil {
		return err
	}
	if d.state == Awake {
		if err := d.t.SetBacklight(duty(level)); err != nil {
			return err
		}
	}
	d.brightness = level
	return nil
}

// Brightness returns the backlight level.
func (d *Dev) Brightness() uint8 {
	return d.brightness
}

// SetGamma changes the gamma curve applied before packing. The next frame
// is sent in full.
func (d *Dev) SetGamma(g float64) error {
	if d.state == Closed {
		return newErr(ErrClosed, "device closed")
	}
	if err := d.codec.SetGamma(g); err != nil {
		return wrapErr(ErrInvalidArgument, fmt.Sprintf("gamma %v", g), err)
	}
	d.cache = nil
	return nil
}

// Sleep puts the controller in sleep mode and turns the backlight off.
func (d *Dev) Sleep() error {
	if err := d.ready(); err != nil {
		return err
	}
	if d.state == Sleeping {
		return nil
	}
	if err := d.command(5*time.Millisecond, cmdSLPIN); err != nil {
		return err
	}
	if err := d.t.SetBacklight(0); err != nil {
		return err
	}
	d.state = Sleeping
	return nil
}

// Wake leaves sleep mode, turns the panel back on if PowerOff turned it
// off, and restores the backlight.
func (d *Dev) Wake() error {
	if err := d.ready(); err != nil {
		return err
	}
	if d.state == Awake {
		return nil
	}
	if err := d.command(120*time.Millisecond, cmdSLPOUT); err != nil {
		return err
	}
	if d.displayOff {
		if err := d.command(0, cmdDISPON); err != nil {
			return err
		}
		d.displayOff = false
	}
	if err := d.t.SetBacklight(duty(d.brightness)); err != nil {
		return err
	}
	d.state = Awake
	return nil
}

// PowerOff turns the panel and the backlight off. The transport stays open
// and Wake turns the panel back on.
func (d *Dev) PowerOff() error {
	if err := d.ready(); err != nil {
		return err
	}
	if d.state == PoweredOff {
		return nil
	}
	if err := d.command(0, cmdDISPOFF); err != nil {
		return err
	}
	d.displayOff = true
	if err := d.t.SetBacklight(0); err != nil {
		return err
	}
	d.state = PoweredOff
	return nil
}

// Halt implements conn.Resource. It turns the panel off like PowerOff and
// does nothing on a device that is not initialized or already closed.
func (d *Dev) Halt() error {
	if d.state == Uninitialized || d.state == Closed {
		return nil
	}
	return d.PowerOff()
}

// Close turns the panel off, puts the controller to sleep and releases the
// transport. It can be called any number of times, and after any failure.
// Commands that fail on the way are logged; only the transport release
// error is returned.
func (d *Dev) Close() error {
	if d.state == Closed {
		return nil
	}
	log := Logger()
	if d.state != Uninitialized {
		if err := d.t.WriteCommand(cmdDISPOFF); err != nil {
			log.Warn("st7789v: display off on close", "err", err)
		}
		if err := d.t.WriteCommand(cmdSLPIN); err != nil {
			log.Warn("st7789v: sleep on close", "err", err)
		}
		bl := gpio.Duty(0)
		if d.opts.BacklightAtClose {
			bl = duty(d.brightness)
		}
		if err := d.t.SetBacklight(bl); err != nil {
			log.Warn("st7789v: backlight on close", "err", err)
		}
	}
	err := d.t.Close()
	d.state = Closed
	d.cache, d.scratch, d.canvas = nil, nil, nil
	d.pool.Reset()
	return err
}

// Size returns the logical size, rotation applied.
func (d *Dev) Size() image.Point {
	return d.rect.Size()
}

// NativeSize returns the panel size in its native orientation.
func (d *Dev) NativeSize() image.Point {
	return d.native
}

// Rotation returns the current rotation in degrees.
func (d *Dev) Rotation() int {
	return d.rotation
}

// State returns the power state.
func (d *Dev) State() State {
	return d.state
}

// Stats returns frame, wire and buffer counters.
func (d *Dev) Stats() Stats {
	s := Stats{
		Frames:      d.mon.frames,
		Regions:     d.mon.regions,
		FPS:         d.mon.fps(),
		AvgProcess:  d.mon.avg(),
		Pool:        d.pool.Stats(),
		Gamma:       d.codec.Gamma(),
		Rotation:    d.rotation,
		LogicalSize: d.rect.Size(),
	}
	if ts, ok := d.t.(interface{ Stats() TransportStats }); ok {
		s.Transport = ts.Stats()
	}
	return s
}

// ResetStats zeroes the frame, wire and buffer counters.
func (d *Dev) ResetStats() {
	d.mon.reset()
	d.pool.ResetStats()
	if ts, ok := d.t.(interface{ ResetStats() }); ok {
		ts.ResetStats()
	}
}

// String returns a string representation of the device.
func (d *Dev) String() string {
	return fmt.Sprintf("st7789v.Dev{%dx%d}", d.rect.Dx(), d.rect.Dy())
}
