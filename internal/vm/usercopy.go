package vm

import (
	"unicode/utf8"

	"venix/internal/mem"
)

// CopyError is the error taxonomy for the user-copy primitives (spec §4.4).
type CopyError int

const (
	ErrNone CopyError = iota
	ErrFault
	ErrTempAllocFailed
	ErrTooLong
	ErrInvalidUtf8
)

func (e CopyError) Error() string {
	switch e {
	case ErrFault:
		return "vm: fault copying user memory"
	case ErrTempAllocFailed:
		return "vm: temporary mapping allocation failed"
	case ErrTooLong:
		return "vm: user string exceeds maximum length"
	case ErrInvalidUtf8:
		return "vm: user string is not valid utf-8"
	default:
		return "vm: no error"
	}
}

// MaxUserString bounds copy_string_from_user (spec §4.4: "cap at 1 MiB").
const MaxUserString = 1 << 20

// pageFor maps a single page of the target window through the shadow map,
// returning the byte slice view (via HHDM) of the in-page span
// [offset, offset+n) that actually belongs to this page.
func (as *AddressSpace) pageFor(va uintptr) ([]byte, CopyError) {
	phys, ok := as.Lookup(va)
	if !ok {
		return nil, ErrFault
	}
	page := mem.Bytes(mem.HHDM(phys))
	off := va & (mem.PageSize - 1)
	return page[off:], ErrNone
}

// CopyToUser enumerates every page spanning [va, va+len(data)), looks each
// up in the shadow map, and memcpy's data into them (spec §4.4).
func (as *AddressSpace) CopyToUser(va uintptr, data []byte) CopyError {
	for len(data) > 0 {
		dst, err := as.pageFor(va)
		if err != ErrNone {
			return err
		}
		n := copy(dst, data)
		if n == 0 {
			return ErrFault
		}
		data = data[n:]
		va += uintptr(n)
	}
	return ErrNone
}

// CopyFromUser reads length bytes starting at va out of user memory.
func (as *AddressSpace) CopyFromUser(va uintptr, length int) ([]byte, CopyError) {
	out := make([]byte, 0, length)
	for len(out) < length {
		src, err := as.pageFor(va)
		if err != ErrNone {
			return nil, err
		}
		need := length - len(out)
		if len(src) > need {
			src = src[:need]
		}
		out = append(out, src...)
		va += uintptr(len(src))
	}
	return out, ErrNone
}

// CopyStringFromUser walks pages until it finds a NUL byte, capping at
// MaxUserString and UTF-8 validating the result (spec §4.4).
func (as *AddressSpace) CopyStringFromUser(va uintptr) (string, CopyError) {
	var out []byte
	for {
		src, err := as.pageFor(va)
		if err != ErrNone {
			return "", err
		}
		for i, b := range src {
			if b == 0 {
				out = append(out, src[:i]...)
				if !utf8.Valid(out) {
					return "", ErrInvalidUtf8
				}
				return string(out), ErrNone
			}
		}
		out = append(out, src...)
		if len(out) >= MaxUserString {
			return "", ErrTooLong
		}
		va += uintptr(len(src))
	}
}

// CopyValueFromUser deserializes a fixed-size value of type T from user
// memory by byte copy (spec §4.4).
func CopyValueFromUser[T any](as *AddressSpace, va uintptr) (T, CopyError) {
	var v T
	n := sizeOf(v)
	raw, err := as.CopyFromUser(va, n)
	if err != ErrNone {
		return v, err
	}
	v = bytesToValue[T](raw)
	return v, ErrNone
}

// CopyValueToUser serializes value by byte copy into user memory.
func CopyValueToUser[T any](as *AddressSpace, va uintptr, value T) CopyError {
	return as.CopyToUser(va, valueToBytes(value))
}
