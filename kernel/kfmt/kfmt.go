// Package kfmt provides a minimal, allocation-conscious Printf that can be
// used by the early kernel subsystems before any console driver has been
// registered. Output produced while no sink is registered accumulates in a
// fixed-size buffer and is replayed once a sink becomes available.
package kfmt

import "io"

const (
	// maxNumBuf is the scratch space used for formatting a single number.
	maxNumBuf = 32

	// earlyBufSize bounds the output retained before a sink is
	// registered. Anything past it is dropped; the earliest boot
	// messages are the ones worth keeping.
	earlyBufSize = 4096
)

var (
	outputSink io.Writer

	earlyBuf  [earlyBufSize]byte
	earlyUsed int

	errNoVerb     = []byte("%!(NOVERB)")
	errMissingArg = []byte("(MISSING)")
	errWrongType  = []byte("%!(WRONGTYPE)")
	errExtraArg   = []byte("%!(EXTRA)")
	trueValue     = []byte("true")
	falseValue    = []byte("false")
)

// SetOutputSink registers w as the target for Printf output and replays
// any output buffered while no sink was available. Passing nil reverts to
// buffering.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil && earlyUsed > 0 {
		w.Write(earlyBuf[:earlyUsed])
		earlyUsed = 0
	}
}

// Printf formats its arguments according to a subset of the standard fmt
// verbs and writes the result to the registered output sink.
//
// Supported verbs: %s (string or []byte), %d (base 10), %o (base 8),
// %x (base 16, lower-case) and %t (booleans). An optional decimal width
// may precede the verb; strings and base-10 integers are left-padded with
// spaces, base-8 and base-16 integers with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		// Scan the optional width.
		var padLen int
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i >= len(format) {
			write(w, errNoVerb)
			break
		}

		if format[i] == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch format[i] {
		case 'o':
			fmtInt(w, arg, 8, padLen)
		case 'd':
			fmtInt(w, arg, 10, padLen)
		case 'x':
			fmtInt(w, arg, 16, padLen)
		case 's':
			fmtString(w, arg, padLen)
		case 't':
			fmtBool(w, arg)
		default:
			write(w, errNoVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

// fmtBool writes a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	switch val := v.(type) {
	case bool:
		if val {
			write(w, trueValue)
		} else {
			write(w, falseValue)
		}
	default:
		write(w, errWrongType)
	}
}

// fmtString writes a formatted version of string or []byte value v,
// left-padding with spaces up to padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch val := v.(type) {
	case string:
		for i := len(val); i < padLen; i++ {
			writeByte(w, ' ')
		}
		for i := 0; i < len(val); i++ {
			writeByte(w, val[i])
		}
	case []byte:
		for i := len(val); i < padLen; i++ {
			writeByte(w, ' ')
		}
		write(w, val)
	default:
		write(w, errWrongType)
	}
}

// fmtInt writes a formatted version of v in the requested base. Base-10
// output is left-padded with spaces, base-8 and base-16 with zeroes.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
		buf      [maxNumBuf]byte
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		uval, negative = absU64(int64(val))
	case int16:
		uval, negative = absU64(int64(val))
	case int32:
		uval, negative = absU64(int64(val))
	case int64:
		uval, negative = absU64(val)
	case int:
		uval, negative = absU64(int64(val))
	default:
		write(w, errWrongType)
		return
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	// Emit digits least-significant first, then pad and sign, then
	// reverse in place.
	pos := 0
	for {
		digit := byte(uval % uint64(base))
		if digit < 10 {
			buf[pos] = digit + '0'
		} else {
			buf[pos] = digit - 10 + 'a'
		}
		pos++
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative && padCh == ' ' {
		buf[pos] = '-'
		pos++
		negative = false
	}

	if padLen > maxNumBuf {
		padLen = maxNumBuf
	}
	for pos < padLen {
		buf[pos] = padCh
		pos++
	}

	if negative {
		// zero padding keeps the sign leftmost
		if pos == maxNumBuf {
			pos--
		}
		buf[pos] = '-'
		pos++
	}

	for left, right := 0, pos-1; left < right; left, right = left+1, right-1 {
		buf[left], buf[right] = buf[right], buf[left]
	}
	write(w, buf[:pos])
}

// absU64 returns the magnitude of v and whether it was negative.
func absU64(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, ch byte) {
	var buf = [1]byte{ch}
	write(w, buf[:])
}

// write sends p to the sink or, if none is registered, into the early
// buffer. Output that does not fit in the early buffer is dropped.
func write(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
		return
	}
	n := copy(earlyBuf[earlyUsed:], p)
	earlyUsed += n
}
