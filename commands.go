package st7789v

// Command opcodes.
const (
	cmdSWRESET byte = 0x01 // Software reset
	cmdSLPIN   byte = 0x10 // Sleep in
	cmdSLPOUT  byte = 0x11 // Sleep out
	cmdNORON   byte = 0x13 // Normal display mode on
	cmdINVOFF  byte = 0x20 // Display inversion off
	cmdINVON   byte = 0x21 // Display inversion on
	cmdDISPOFF byte = 0x28 // Display off
	cmdDISPON  byte = 0x29 // Display on
	cmdCASET   byte = 0x2A // Column address set
	cmdRASET   byte = 0x2B // Row address set
	cmdRAMWR   byte = 0x2C // Memory write
	cmdMADCTL  byte = 0x36 // Memory data access control
	cmdCOLMOD  byte = 0x3A // Interface pixel format
)

// colmod16 selects 16 bits per pixel (RGB565) on both interfaces.
const colmod16 byte = 0x55

// madctlBGR swaps the red and blue subpixel order.
const madctlBGR byte = 0x08

// madctl returns the memory access control byte for rotation. ok is false
// for an unsupported angle.
func madctl(rotation int, bgr bool) (v byte, ok bool) {
	switch rotation {
	case 0:
		v = 0x00
	case 90:
		v = 0x60 // MX | MV
	case 180:
		v = 0xC0 // MY | MX
	case 270:
		v = 0xA0 // MY | MV
	default:
		return 0, false
	}
	if bgr {
		v |= madctlBGR
	}
	return v, true
}

// panelTuning is the register block used by common 240x320 IPS modules:
// porch, gate, VCOM, power, and positive/negative gamma.
var panelTuning = []struct {
	cmd    byte
	params []byte
}{
	{0xB2, []byte{0x0C, 0x0C, 0x00, 0x33, 0x33}}, // Porch setting
	{0xB7, []byte{0x35}},                         // Gate control
	{0xBB, []byte{0x19}},                         // VCOM setting
	{0xC0, []byte{0x2C}},                         // LCM control
	{0xC2, []byte{0x01, 0xFF}},                   // VDV and VRH command enable
	{0xC3, []byte{0x11}},                         // VRH set
	{0xC4, []byte{0x20}},                         // VDV set
	{0xC6, []byte{0x0F}},                         // Frame rate control
	{0xD0, []byte{0xA4, 0xA1}},                   // Power control 1
	{0xE0, []byte{0xD0, 0x00, 0x02, 0x07, 0x0A, 0x28, 0x32, 0x44, 0x42, 0x06, 0x0E, 0x12, 0x14, 0x17, 0x00}},
	{0xE1, []byte{0xD0, 0x00, 0x02, 0x07, 0x0A, 0x28, 0x31, 0x54, 0x47, 0x0E, 0x1C, 0x17, 0x1B, 0x1B, 0x00}},
}
