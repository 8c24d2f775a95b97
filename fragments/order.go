package fragments

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a binary byte order that knows its DBus flag byte.
type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
	flag byte
}

func (w wrapStd) dbusFlag() byte { return w.flag }

var (
	BigEndian    ByteOrder = wrapStd{binary.BigEndian, 'B'}
	LittleEndian ByteOrder = wrapStd{binary.LittleEndian, 'l'}
	NativeEndian ByteOrder = nativeEndian()
)

func nativeEndian() ByteOrder {
	if cpu.IsBigEndian {
		return wrapStd{binary.NativeEndian, 'B'}
	}
	return wrapStd{binary.NativeEndian, 'l'}
}

// Flag returns the DBus byte order flag byte for ord.
func Flag(ord ByteOrder) byte {
	return ord.dbusFlag()
}

// OrderForFlag returns the ByteOrder corresponding to the DBus byte
// order flag b.
func OrderForFlag(b byte) (ByteOrder, error) {
	switch b {
	case 'B':
		return BigEndian, nil
	case 'l':
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("%w: unknown byte order flag %q", ErrMalformed, b)
	}
}
