package st7789v

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/st7789v/chunker"
)

// Transport moves commands and pixel data to the controller and owns its
// control lines.
type Transport interface {
	// Open connects the wire link. It fails with ErrConnection.
	Open() error
	// Close releases the wire link. Calling it on a closed transport is a
	// no-op.
	Close() error
	// WriteCommand sends cmd with the DC line low, then params with the DC
	// line high.
	WriteCommand(cmd byte, params ...byte) error
	// WriteData sends p with the DC line high.
	WriteData(p []byte) error
	// SetWindow addresses the inclusive controller rectangle [x0,x1]x[y0,y1]
	// and starts a memory write.
	SetWindow(x0, x1, y0, y1 int) error
	// WritePixels streams encoded pixels into the current window.
	WritePixels(p []byte) error
	// InvalidateWindow forgets the cached window so the next SetWindow is
	// sent in full.
	InvalidateWindow()
	// SetBacklight drives the backlight line. 0 is off, gpio.DutyMax is
	// fully on.
	SetBacklight(d gpio.Duty) error
	// Reset pulses the hardware reset line, using sleep for the settle
	// delays.
	Reset(sleep func(time.Duration)) error
}

// Pins are the control lines of the display. Only DC is required.
type Pins struct {
	DC  gpio.PinOut // Data/Command select
	RST gpio.PinOut // Hardware reset, active low (optional)
	CS  gpio.PinOut // Chip select driven as a GPIO, active low (optional)
	BL  gpio.PinOut // Backlight (optional)
}

// LineState caches the level last driven on each control line, so that a
// line is only written when its level has to change.
//
// The cache is cleared whenever the link is opened or closed, and after a
// failed write to the line.
type LineState struct {
	dc, cs     gpio.Level
	dcOK, csOK bool
}

// Reset forgets every cached level.
func (s *LineState) Reset() {
	*s = LineState{}
}

// DC returns the cached DC level and whether it is known.
func (s *LineState) DC() (gpio.Level, bool) {
	return s.dc, s.dcOK
}

// CS returns the cached CS level and whether it is known.
func (s *LineState) CS() (gpio.Level, bool) {
	return s.cs, s.csOK
}

func (s *LineState) setDC(l gpio.Level) { s.dc, s.dcOK = l, true }
func (s *LineState) setCS(l gpio.Level) { s.cs, s.csOK = l, true }

// Window is an inclusive rectangle in controller coordinates.
type Window struct {
	X0, X1, Y0, Y1 int
}

// TransportStats counts wire activity.
type TransportStats struct {
	Commands    int   // command bytes sent
	WindowSets  int   // full CASET/RASET/RAMWR sequences
	WindowSkips int   // SetWindow calls that sent nothing
	LineWrites  int   // control line writes
	LineSkips   int   // control line writes avoided by LineState
	Retries     int   // pixel chunks sent a second time
	BytesSent   int64 // pixel bytes sent
	ChunkSize   int   // current chunk size
}

// TransportOpts configures an SPITransport.
type TransportOpts struct {
	Speed        physic.Frequency // Wire clock (default 32MHz)
	Chunk        chunker.Policy   // Chunk bounds
	PWMFrequency physic.Frequency // Backlight PWM frequency (default 1kHz)
	Clock        clockwork.Clock  // Time source (default real clock)
}

// SPITransport is a Transport over a periph.io SPI port.
type SPITransport struct {
	port  spi.Port
	pins  Pins
	speed physic.Frequency
	pwm   physic.Frequency
	clk   clockwork.Clock

	c        spi.Conn
	maxTx    int
	open     bool
	released bool

	lines    LineState
	win      Window
	winValid bool
	// writing is set while the controller is in a memory write started by
	// RAMWR and nothing else was sent since.
	writing bool

	chunk *chunker.Chunker
	stats TransportStats
	cmd   [1]byte
}

// NewSPITransport returns a transport for port. Nothing is sent until Open.
func NewSPITransport(port spi.Port, pins Pins, opts TransportOpts) *SPITransport {
	if opts.Speed <= 0 {
		opts.Speed = 32 * physic.MegaHertz
	}
	if opts.PWMFrequency <= 0 {
		opts.PWMFrequency = physic.KiloHertz
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	p := opts.Chunk
	p.Align = 2
	return &SPITransport{
		port:  port,
		pins:  pins,
		speed: opts.Speed,
		pwm:   opts.PWMFrequency,
		clk:   opts.Clock,
		chunk: chunker.New(p, opts.Clock),
	}
}

// Open implements Transport.
func (t *SPITransport) Open() error {
	if t.released {
		return newErr(ErrClosed, "transport released")
	}
	if t.open {
		return newErr(ErrInvalidState, "transport already open")
	}
	c, err := t.port.Connect(t.speed, spi.Mode0, 8)
	if err != nil {
		return wrapErr(ErrConnection, "connect "+t.port.String(), err)
	}
	t.c = c
	t.maxTx = 0
	if l, ok := c.(conn.Limits); ok {
		t.maxTx = l.MaxTxSize()
	}
	t.lines.Reset()
	t.InvalidateWindow()
	t.open = true
	Logger().Debug("st7789v: transport open", "port", t.port.String(), "speed", t.speed, "maxTx", t.maxTx)
	return nil
}

// Close implements Transport. The port is closed when it is a
// spi.PortCloser, even if Open failed or was never called.
func (t *SPITransport) Close() error {
	if t.released {
		return nil
	}
	t.released = true
	var err error
	if t.open && t.pins.CS != nil {
		err = t.pins.CS.Out(gpio.High)
	}
	t.open = false
	t.lines.Reset()
	t.InvalidateWindow()
	t.c = nil
	if pc, ok := t.port.(spi.PortCloser); ok {
		if cerr := pc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return wrapErr(ErrConnection, "close "+t.port.String(), err)
	}
	return nil
}

// Lines returns the cached control line levels.
func (t *SPITransport) Lines() LineState {
	return t.lines
}

// Window returns the cached window and whether it is valid.
func (t *SPITransport) Window() (Window, bool) {
	return t.win, t.winValid
}

// Stats returns the wire counters.
func (t *SPITransport) Stats() TransportStats {
	s := t.stats
	s.ChunkSize = t.chunkSize()
	return s
}

// ResetStats zeroes the wire counters. The chunk size is kept.
func (t *SPITransport) ResetStats() {
	t.stats = TransportStats{}
}

func (t *SPITransport) setDC(l gpio.Level) error {
	if v, ok := t.lines.DC(); ok && v == l {
		t.stats.LineSkips++
		return nil
	}
	t.stats.LineWrites++
	if err := t.pins.DC.Out(l); err != nil {
		t.lines.dcOK = false
		return wrapErr(ErrTransfer, "set DC line", err)
	}
	t.lines.setDC(l)
	return nil
}

// selectChip asserts CS when it is driven as a GPIO.
func (t *SPITransport) selectChip() error {
	if t.pins.CS == nil {
		return nil
	}
	if v, ok := t.lines.CS(); ok && v == gpio.Low {
		t.stats.LineSkips++
		return nil
	}
	t.stats.LineWrites++
	if err := t.pins.CS.Out(gpio.Low); err != nil {
		t.lines.csOK = false
		return wrapErr(ErrTransfer, "set CS line", err)
	}
	t.lines.setCS(gpio.Low)
	return nil
}

func (t *SPITransport) begin(dc gpio.Level) error {
	if !t.open {
		return newErr(ErrClosed, "transport not open")
	}
	if err := t.selectChip(); err != nil {
		return err
	}
	return t.setDC(dc)
}

// WriteCommand implements Transport.
func (t *SPITransport) WriteCommand(cmd byte, params ...byte) error {
	if err := t.begin(gpio.Low); err != nil {
		return err
	}
	t.writing = false
	t.cmd[0] = cmd
	if err := t.c.Tx(t.cmd[:], nil); err != nil {
		t.InvalidateWindow()
		return wrapErr(ErrTransfer, fmt.Sprintf("command 0x%02X", cmd), err)
	}
	t.stats.Commands++
	if len(params) == 0 {
		return nil
	}
	if err := t.setDC(gpio.High); err != nil {
		return err
	}
	if err := t.c.Tx(params, nil); err != nil {
		t.InvalidateWindow()
		return wrapErr(ErrTransfer, fmt.Sprintf("parameters of command 0x%02X", cmd), err)
	}
	return nil
}

// WriteData implements Transport.
func (t *SPITransport) WriteData(p []byte) error {
	if err := t.begin(gpio.High); err != nil {
		return err
	}
	t.writing = false
	if err := t.c.Tx(p, nil); err != nil {
		t.InvalidateWindow()
		return wrapErr(ErrTransfer, "data", err)
	}
	return nil
}

// SetWindow implements Transport. Nothing is sent when the window is the
// cached one and the controller is still in the memory write that followed
// it. When another command was sent in between, only RAMWR is repeated.
func (t *SPITransport) SetWindow(x0, x1, y0, y1 int) error {
	if x0 < 0 || y0 < 0 || x1 < x0 || y1 < y0 || x1 > 0xFFFF || y1 > 0xFFFF {
		return newErr(ErrInvalidArgument, fmt.Sprintf("window [%d,%d]x[%d,%d]", x0, x1, y0, y1))
	}
	w := Window{X0: x0, X1: x1, Y0: y0, Y1: y1}
	if t.winValid && t.win == w {
		if t.writing {
			t.stats.WindowSkips++
			return nil
		}
		if err := t.WriteCommand(cmdRAMWR); err != nil {
			return err
		}
		t.writing = true
		return nil
	}
	if err := t.WriteCommand(cmdCASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return err
	}
	if err := t.WriteCommand(cmdRASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1)); err != nil {
		return err
	}
	if err := t.WriteCommand(cmdRAMWR); err != nil {
		return err
	}
	t.win, t.winValid, t.writing = w, true, true
	t.stats.WindowSets++
	Logger().Debug("st7789v: window", "x0", x0, "x1", x1, "y0", y0, "y1", y1)
	return nil
}

// InvalidateWindow implements Transport.
func (t *SPITransport) InvalidateWindow() {
	t.winValid = false
	t.writing = false
}

func (t *SPITransport) chunkSize() int {
	n := t.chunk.Next()
	if t.maxTx > 0 && n > t.maxTx {
		n = t.maxTx &^ 1
	}
	return n
}

// WritePixels implements Transport. p is split in chunks of an even number
// of bytes. A failed chunk shrinks the chunk size and is sent once more; a
// second failure invalidates the window and returns ErrTransfer.
func (t *SPITransport) WritePixels(p []byte) error {
	if err := t.begin(gpio.High); err != nil {
		return err
	}
	for off := 0; off < len(p); {
		end := min(off+t.chunkSize(), len(p))
		start := t.clk.Now()
		err := t.c.Tx(p[off:end], nil)
		if err != nil {
			t.chunk.Failed()
			t.stats.Retries++
			end = min(off+t.chunkSize(), len(p))
			Logger().Debug("st7789v: retrying chunk", "offset", off, "size", end-off, "err", err)
			start = t.clk.Now()
			err = t.c.Tx(p[off:end], nil)
		}
		if err != nil {
			t.InvalidateWindow()
			return wrapErr(ErrTransfer, fmt.Sprintf("pixels at offset %d", off), err)
		}
		if t.chunk.Record(end-off, t.clk.Since(start)) {
			Logger().Debug("st7789v: chunk size", "bytes", t.chunk.Next())
		}
		t.stats.BytesSent += int64(end - off)
		off = end
	}
	return nil
}

// SetBacklight implements Transport. Intermediate levels use PWM; a pin
// that cannot do PWM is switched fully on from half duty up, off below.
func (t *SPITransport) SetBacklight(d gpio.Duty) error {
	if t.pins.BL == nil {
		return nil
	}
	var err error
	switch {
	case d <= 0:
		err = t.pins.BL.Out(gpio.Low)
	case d >= gpio.DutyMax:
		err = t.pins.BL.Out(gpio.High)
	default:
		if err = t.pins.BL.PWM(d, t.pwm); err != nil {
			Logger().Warn("st7789v: backlight PWM unavailable, using on/off", "err", err)
			err = t.pins.BL.Out(d >= gpio.DutyHalf)
		}
	}
	if err != nil {
		return wrapErr(ErrTransfer, "set backlight", err)
	}
	return nil
}

// Reset implements Transport. It is a no-op without a RST pin.
func (t *SPITransport) Reset(sleep func(time.Duration)) error {
	if t.pins.RST == nil {
		return nil
	}
	for _, step := range []struct {
		l gpio.Level
		d time.Duration
	}{
		{gpio.High, 10 * time.Millisecond},
		{gpio.Low, 10 * time.Millisecond},
		{gpio.High, 150 * time.Millisecond},
	} {
		if err := t.pins.RST.Out(step.l); err != nil {
			return wrapErr(ErrTransfer, "pulse RST line", err)
		}
		sleep(step.d)
	}
	return nil
}
