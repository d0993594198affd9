package st7789v

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

var errWire = errors.New("wire fault")

// autoClock is a fake clock whose Sleep advances time instead of blocking.
type autoClock struct {
	clockwork.FakeClock
}

func newAutoClock() autoClock {
	return autoClock{clockwork.NewFakeClock()}
}

func (c autoClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// countPin counts the writes made to a gpiotest.Pin.
type countPin struct {
	gpiotest.Pin
	outs   int
	pwms   int
	pwmErr error
}

func newPin(name string) *countPin {
	return &countPin{Pin: gpiotest.Pin{N: name}}
}

func (p *countPin) Out(l gpio.Level) error {
	p.outs++
	return p.Pin.Out(l)
}

func (p *countPin) PWM(d gpio.Duty, f physic.Frequency) error {
	p.pwms++
	if p.pwmErr != nil {
		return p.pwmErr
	}
	return p.Pin.PWM(d, f)
}

// faultyPort is an spi.PortCloser whose connection fails on demand.
type faultyPort struct {
	connectErr error
	// failTx is called with the 1-based index of each Tx and fails it when
	// it returns true.
	failTx  func(i int) bool
	maxTx   int
	tx      int
	closed  int
	speed   physic.Frequency
	mode    spi.Mode
	bits    int
	connect int
}

func (p *faultyPort) String() string                      { return "faulty" }
func (p *faultyPort) LimitSpeed(f physic.Frequency) error { return nil }

func (p *faultyPort) Close() error {
	p.closed++
	return nil
}

func (p *faultyPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.connect++
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	p.speed, p.mode, p.bits = f, mode, bits
	return &faultyConn{p: p}, nil
}

type faultyConn struct {
	p *faultyPort
}

func (c *faultyConn) String() string      { return "faulty" }
func (c *faultyConn) Duplex() conn.Duplex { return conn.Half }
func (c *faultyConn) MaxTxSize() int      { return c.p.maxTx }

func (c *faultyConn) Tx(w, r []byte) error {
	c.p.tx++
	if c.p.failTx != nil && c.p.failTx(c.p.tx) {
		return errWire
	}
	return nil
}

func (c *faultyConn) TxPackets(p []spi.Packet) error {
	return errors.New("faulty: TxPackets not supported")
}

// failAt fails the listed Tx indexes.
func failAt(idx ...int) func(int) bool {
	return func(i int) bool {
		for _, j := range idx {
			if i == j {
				return true
			}
		}
		return false
	}
}

// rig is a Dev wired to recording fakes.
type rig struct {
	dev  *Dev
	port *faultyPort
	rec  *spitest.Record
	clk  autoClock

	dc, rst, cs, bl *countPin
}

func newRig(t *testing.T, opts Opts) *rig {
	t.Helper()
	r := &rig{
		port: &faultyPort{},
		clk:  newAutoClock(),
		dc:   newPin("DC"),
		rst:  newPin("RST"),
		cs:   newPin("CS"),
		bl:   newPin("BL"),
	}
	r.rec = &spitest.Record{Port: r.port}
	opts.Clock = r.clk
	d, err := New(r.rec, Pins{DC: r.dc, RST: r.rst, CS: r.cs, BL: r.bl}, &opts)
	require.NoError(t, err)
	r.dev = d
	return r
}

// initRig returns an initialized rig with its recordings cleared.
func initRig(t *testing.T, opts Opts) *rig {
	t.Helper()
	r := newRig(t, opts)
	require.NoError(t, r.dev.Init())
	r.clear()
	return r
}

func (r *rig) clear() {
	r.rec.Ops = nil
	for _, p := range []*countPin{r.dc, r.rst, r.cs, r.bl} {
		p.outs, p.pwms = 0, 0
	}
}

// writes returns what was written on the bus since the last clear.
func (r *rig) writes() [][]byte {
	out := make([][]byte, len(r.rec.Ops))
	for i, op := range r.rec.Ops {
		out[i] = op.W
	}
	return out
}

func (r *rig) pinWrites() int {
	n := 0
	for _, p := range []*countPin{r.dc, r.rst, r.cs, r.bl} {
		n += p.outs + p.pwms
	}
	return n
}

// windowOps is the bus traffic of a full window set.
func windowOps(x0, x1, y0, y1 int) [][]byte {
	return [][]byte{
		{cmdCASET}, {byte(x0 >> 8), byte(x0), byte(x1 >> 8), byte(x1)},
		{cmdRASET}, {byte(y0 >> 8), byte(y0), byte(y1 >> 8), byte(y1)},
		{cmdRAMWR},
	}
}
