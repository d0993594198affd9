package st7789v

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"

	"periph.io/x/devices/v3/st7789v/chunker"
)

func newTransport(t *testing.T, port spi.Port, pins Pins, p chunker.Policy) *SPITransport {
	t.Helper()
	if pins.DC == nil {
		pins.DC = newPin("DC")
	}
	return NewSPITransport(port, pins, TransportOpts{Chunk: p, Clock: newAutoClock()})
}

func recorded(rec *spitest.Record) [][]byte {
	out := make([][]byte, len(rec.Ops))
	for i, op := range rec.Ops {
		out[i] = op.W
	}
	return out
}

func TestTransportOpen(t *testing.T) {
	port := &faultyPort{}
	tr := newTransport(t, port, Pins{}, chunker.Policy{})
	require.NoError(t, tr.Open())
	assert.Equal(t, 32*physic.MegaHertz, port.speed)
	assert.Equal(t, spi.Mode0, port.mode)
	assert.Equal(t, 8, port.bits)

	err := tr.Open()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, port.connect)
}

func TestTransportOpenFailure(t *testing.T) {
	port := &faultyPort{connectErr: errWire}
	tr := newTransport(t, port, Pins{}, chunker.Policy{})
	err := tr.Open()
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, errWire)

	require.NoError(t, tr.Close())
	assert.Equal(t, 1, port.closed, "port released after a failed open")
}

func TestTransportClose(t *testing.T) {
	port := &faultyPort{}
	cs := newPin("CS")
	tr := newTransport(t, port, Pins{CS: cs}, chunker.Policy{})
	require.NoError(t, tr.Open())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, port.closed)
	assert.Equal(t, gpio.High, cs.L, "chip deselected")

	assert.ErrorIs(t, tr.Open(), ErrClosed)
	assert.ErrorIs(t, tr.WriteCommand(cmdDISPON), ErrClosed)
}

func TestWriteCommandLines(t *testing.T) {
	rec := &spitest.Record{}
	dc, cs := newPin("DC"), newPin("CS")
	tr := newTransport(t, rec, Pins{DC: dc, CS: cs}, chunker.Policy{})
	require.NoError(t, tr.Open())

	require.NoError(t, tr.WriteCommand(cmdMADCTL, 0x60))
	assert.Equal(t, [][]byte{{cmdMADCTL}, {0x60}}, recorded(rec))
	assert.Equal(t, 2, dc.outs)
	assert.Equal(t, 1, cs.outs)
	assert.Equal(t, gpio.High, dc.L)
	assert.Equal(t, gpio.Low, cs.L)

	require.NoError(t, tr.WriteCommand(cmdDISPON))
	require.NoError(t, tr.WriteCommand(cmdNORON))
	assert.Equal(t, 3, dc.outs, "DC stays low between commands")
	assert.Equal(t, 1, cs.outs)

	l := tr.Lines()
	lvl, ok := l.DC()
	assert.True(t, ok)
	assert.Equal(t, gpio.Low, lvl)

	s := tr.Stats()
	assert.Equal(t, 3, s.Commands)
	assert.Equal(t, 4, s.LineWrites)
	assert.Equal(t, 3, s.LineSkips)
}

func TestSetWindowCaching(t *testing.T) {
	rec := &spitest.Record{}
	tr := newTransport(t, rec, Pins{}, chunker.Policy{})
	require.NoError(t, tr.Open())

	require.NoError(t, tr.SetWindow(0, 7, 0, 3))
	assert.Equal(t, windowOps(0, 7, 0, 3), recorded(rec))
	require.NoError(t, tr.WritePixels(make([]byte, 64)))

	rec.Ops = nil
	require.NoError(t, tr.SetWindow(0, 7, 0, 3))
	assert.Empty(t, rec.Ops, "same window, still writing")

	require.NoError(t, tr.WriteCommand(cmdDISPON))
	rec.Ops = nil
	require.NoError(t, tr.SetWindow(0, 7, 0, 3))
	assert.Equal(t, [][]byte{{cmdRAMWR}}, recorded(rec), "only RAMWR after another command")

	rec.Ops = nil
	require.NoError(t, tr.SetWindow(2, 300, 1, 1))
	assert.Equal(t, windowOps(2, 300, 1, 1), recorded(rec))

	w, ok := tr.Window()
	assert.True(t, ok)
	assert.Equal(t, Window{X0: 2, X1: 300, Y0: 1, Y1: 1}, w)

	tr.InvalidateWindow()
	rec.Ops = nil
	require.NoError(t, tr.SetWindow(2, 300, 1, 1))
	assert.Len(t, rec.Ops, 5)

	s := tr.Stats()
	assert.Equal(t, 3, s.WindowSets)
	assert.Equal(t, 1, s.WindowSkips)
}

func TestSetWindowInvalid(t *testing.T) {
	tr := newTransport(t, &spitest.Record{}, Pins{}, chunker.Policy{})
	require.NoError(t, tr.Open())
	for _, w := range [][4]int{
		{-1, 0, 0, 0},
		{5, 4, 0, 0},
		{0, 0, 3, 2},
		{0, 0x10000, 0, 0},
	} {
		assert.ErrorIs(t, tr.SetWindow(w[0], w[1], w[2], w[3]), ErrInvalidArgument, "%v", w)
	}
}

func TestWritePixelsChunks(t *testing.T) {
	rec := &spitest.Record{}
	tr := newTransport(t, rec, Pins{}, chunker.Policy{Initial: 4, Min: 2, Max: 8})
	require.NoError(t, tr.Open())

	p := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	require.NoError(t, tr.WritePixels(p))
	assert.Equal(t, [][]byte{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, recorded(rec))
	assert.EqualValues(t, 10, tr.Stats().BytesSent)
}

func TestWritePixelsMaxTx(t *testing.T) {
	port := &faultyPort{maxTx: 3}
	tr := newTransport(t, port, Pins{}, chunker.Policy{})
	require.NoError(t, tr.Open())
	require.NoError(t, tr.WritePixels(make([]byte, 10)))
	assert.Equal(t, 5, port.tx)
	assert.Equal(t, 2, tr.Stats().ChunkSize)
}

func TestWritePixelsRetry(t *testing.T) {
	port := &faultyPort{failTx: failAt(2)}
	rec := &spitest.Record{Port: port}
	tr := newTransport(t, rec, Pins{}, chunker.Policy{Initial: 4, Min: 2, Max: 8})
	require.NoError(t, tr.Open())

	require.NoError(t, tr.WritePixels([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))
	assert.Equal(t, [][]byte{{0, 1, 2, 3}, {4, 5}, {6, 7}, {8, 9}}, recorded(rec))
	s := tr.Stats()
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, 2, s.ChunkSize)
	assert.EqualValues(t, 10, s.BytesSent)
}

func TestWritePixelsSecondFailure(t *testing.T) {
	port := &faultyPort{}
	rec := &spitest.Record{Port: port}
	tr := newTransport(t, rec, Pins{}, chunker.Policy{Initial: 4, Min: 2, Max: 8})
	require.NoError(t, tr.Open())
	require.NoError(t, tr.SetWindow(0, 4, 0, 0))

	port.failTx = failAt(port.tx+2, port.tx+3)
	err := tr.WritePixels(make([]byte, 10))
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, errWire)
	_, ok := tr.Window()
	assert.False(t, ok, "window invalidated")
}

func TestWritePixelsNotOpen(t *testing.T) {
	tr := newTransport(t, &spitest.Record{}, Pins{}, chunker.Policy{})
	assert.ErrorIs(t, tr.WritePixels([]byte{0, 0}), ErrClosed)
}

func TestSetBacklight(t *testing.T) {
	tests := []struct {
		name   string
		duty   gpio.Duty
		pwmErr error
		level  gpio.Level
		pwm    gpio.Duty
	}{
		{"off", 0, nil, gpio.Low, 0},
		{"full", gpio.DutyMax, nil, gpio.High, 0},
		{"half", gpio.DutyHalf, nil, gpio.Low, gpio.DutyHalf},
		{"fallback high", gpio.DutyHalf, errWire, gpio.High, 0},
		{"fallback low", gpio.DutyMax / 4, errWire, gpio.Low, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bl := newPin("BL")
			bl.pwmErr = tt.pwmErr
			tr := newTransport(t, &spitest.Record{}, Pins{BL: bl}, chunker.Policy{})
			require.NoError(t, tr.SetBacklight(tt.duty))
			assert.Equal(t, tt.level, bl.L)
			assert.Equal(t, tt.pwm, bl.D)
		})
	}

	tr := newTransport(t, &spitest.Record{}, Pins{}, chunker.Policy{})
	assert.NoError(t, tr.SetBacklight(gpio.DutyHalf), "no backlight pin")
}

func TestReset(t *testing.T) {
	rst := newPin("RST")
	tr := newTransport(t, &spitest.Record{}, Pins{RST: rst}, chunker.Policy{})
	var sleeps []time.Duration
	require.NoError(t, tr.Reset(func(d time.Duration) { sleeps = append(sleeps, d) }))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 150 * time.Millisecond}, sleeps)
	assert.Equal(t, 3, rst.outs)
	assert.Equal(t, gpio.High, rst.L)

	tr = newTransport(t, &spitest.Record{}, Pins{}, chunker.Policy{})
	sleeps = nil
	require.NoError(t, tr.Reset(func(d time.Duration) { sleeps = append(sleeps, d) }))
	assert.Empty(t, sleeps)
}
