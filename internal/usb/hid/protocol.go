package hid

import "encoding/binary"

// Key is a decoded boot-protocol keycode: either a printable ASCII
// character or Unknown for anything this kernel doesn't map (spec §4.13,
// original's protocol::Key).
type Key struct {
	ascii   rune
	isASCII bool
}

// Unknown is the zero Key: no ASCII mapping.
var Unknown = Key{}

// IsASCII reports whether k decoded to a printable key.
func (k Key) IsASCII() bool { return k.isASCII }

// Rune returns k's ASCII character; only meaningful when IsASCII is true.
func (k Key) Rune() rune { return k.ascii }

func asciiKey(r rune) Key { return Key{ascii: r, isASCII: true} }

// keycodeTable maps USB HID keyboard usage IDs to ASCII, the same
// US-layout subset original's parse_key switches on (USB HID Usage
// Tables 1.12 §10).
var keycodeTable = map[uint8]rune{
	0x04: 'a', 0x05: 'b', 0x06: 'c', 0x07: 'd', 0x08: 'e', 0x09: 'f',
	0x0A: 'g', 0x0B: 'h', 0x0C: 'i', 0x0D: 'j', 0x0E: 'k', 0x0F: 'l',
	0x10: 'm', 0x11: 'n', 0x12: 'o', 0x13: 'p', 0x14: 'q', 0x15: 'r',
	0x16: 's', 0x17: 't', 0x18: 'u', 0x19: 'v', 0x1A: 'w', 0x1B: 'x',
	0x1C: 'y', 0x1D: 'z',

	0x1E: '1', 0x1F: '2', 0x20: '3', 0x21: '4', 0x22: '5',
	0x23: '6', 0x24: '7', 0x25: '8', 0x26: '9', 0x27: '0',

	0x28: '\n', // Enter
	0x2C: ' ',  // Space
	0x2D: '-',
	0x2E: '=',
	0x2F: '[',
	0x30: ']',
	0x31: '\\',
	0x33: ';',
	0x34: '\'',
	0x35: '`',
	0x36: ',',
	0x37: '.',
	0x38: '/',
}

// parseKey decodes one keycode byte (USB HID boot report byte 2..7).
func parseKey(code uint8) Key {
	if r, ok := keycodeTable[code]; ok {
		return asciiKey(r)
	}
	return Unknown
}

// Modifier bits in a boot report's first byte (USB HID 1.11 Appendix B).
const (
	modLeftCtrl   = 1 << 0
	modLeftShift  = 1 << 1
	modLeftAlt    = 1 << 2
	modLeftSuper  = 1 << 3
	modRightCtrl  = 1 << 4
	modRightShift = 1 << 5
	modRightAlt   = 1 << 6
	modRightGUI   = 1 << 7
)

// BootReport is one decoded 8-byte boot-protocol keyboard report: byte 0
// modifiers, byte 1 reserved, bytes 2-7 up to six simultaneously held
// keycodes (USB HID 1.11 Appendix B, original's protocol::BootKeyPresses).
type BootReport struct {
	LeftCtrl, LeftShift, LeftAlt, LeftSuper   bool
	RightCtrl, RightShift, RightAlt, RightGUI bool
	Keys                                      [6]Key
}

// ParseBootReport decodes buf (at least 8 bytes: modifiers, reserved,
// 6 keycodes) into a BootReport (original's parse_boot_buffer).
func ParseBootReport(buf []byte) BootReport {
	var r BootReport
	if len(buf) < 2 {
		return r
	}
	mods := buf[0]
	r.LeftCtrl = mods&modLeftCtrl != 0
	r.LeftShift = mods&modLeftShift != 0
	r.LeftAlt = mods&modLeftAlt != 0
	r.LeftSuper = mods&modLeftSuper != 0
	r.RightCtrl = mods&modRightCtrl != 0
	r.RightShift = mods&modRightShift != 0
	r.RightAlt = mods&modRightAlt != 0
	r.RightGUI = mods&modRightGUI != 0

	for i := 0; i < 6 && 2+i < len(buf); i++ {
		r.Keys[i] = parseKey(buf[2+i])
	}
	return r
}

// HIDDescriptorDescriptor is one class-descriptor entry nested in a HID
// descriptor (USB HID 1.11 §6.2.1).
type HIDDescriptorDescriptor struct {
	DescriptorType uint8
	Length         uint16
}

// HIDDescriptor is the class-specific HID descriptor that follows a HID
// interface descriptor (USB HID 1.11 §6.2.1, original's protocol::
// HidDescriptor).
type HIDDescriptor struct {
	Version     uint16
	CountryCode uint8
	Descriptors []HIDDescriptorDescriptor
}

// ParseHIDDescriptor decodes a HID class descriptor's body (version,
// country code, then a count-prefixed list of sub-descriptors).
func ParseHIDDescriptor(buf []byte) (HIDDescriptor, bool) {
	if len(buf) < 4 {
		return HIDDescriptor{}, false
	}
	d := HIDDescriptor{
		Version:     binary.LittleEndian.Uint16(buf[0:2]),
		CountryCode: buf[2],
	}
	numDescriptors := int(buf[3])
	pos := 4
	for i := 0; i < numDescriptors; i++ {
		if pos+3 > len(buf) {
			break
		}
		d.Descriptors = append(d.Descriptors, HIDDescriptorDescriptor{
			DescriptorType: buf[pos],
			Length:         binary.LittleEndian.Uint16(buf[pos+1 : pos+3]),
		})
		pos += 3
	}
	return d, true
}
