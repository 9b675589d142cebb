// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package record encodes records that mix fixed-width fields with
// trailing variable-length fields into a single byte value.
//
// Format (little endian):
//
//	fixed fields, in declared order
//	for each variable field but the last:
//	  uint32 length (element count for lists, byte count for text)
//	  payload
//	last variable field payload, its length derived from the remaining bytes
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFormat is returned for malformed encoded records.
var ErrFormat = errors.New("record format error")

// Kind is a kind of field.
type Kind int

const (
	Uint32 Kind = iota
	Uint64
	Uint32List
	Uint64List
	Text
)

func (k Kind) String() string {
	switch k {
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Uint32List:
		return "[]uint32"
	case Uint64List:
		return "[]uint64"
	case Text:
		return "text"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// variable reports whether k is a variable-length field.
func (k Kind) variable() bool {
	return k >= Uint32List
}

// width returns byte size of a fixed field or of a list element.
// It is 1 for text.
func (k Kind) width() int {
	switch k {
	case Uint32, Uint32List:
		return 4
	case Uint64, Uint64List:
		return 8
	}
	return 1
}

const lengthSize = 4

// Layout is the declared order of fields of a record type.
type Layout struct {
	kinds   []Kind
	minSize int
}

// NewLayout returns a layout for kinds.
// Fixed fields must precede variable fields.
func NewLayout(kinds ...Kind) (Layout, error) {
	l := Layout{kinds: append([]Kind(nil), kinds...)}
	seenVariable := false
	nvar := 0
	for i, k := range kinds {
		if k < Uint32 || k > Text {
			return Layout{}, fmt.Errorf("field %d: unknown kind %v", i, k)
		}
		if !k.variable() {
			if seenVariable {
				return Layout{}, fmt.Errorf("field %d: fixed field %v after variable field", i, k)
			}
			l.minSize += k.width()
			continue
		}
		seenVariable = true
		nvar++
	}
	if nvar > 0 {
		l.minSize += lengthSize * (nvar - 1)
	}
	return l, nil
}

// MustLayout is like NewLayout but panics on error.
func MustLayout(kinds ...Kind) Layout {
	l, err := NewLayout(kinds...)
	if err != nil {
		panic(err)
	}
	return l
}

// MinSize returns the smallest valid encoded size.
func (l Layout) MinSize() int { return l.minSize }

// NumFields returns the number of fields.
func (l Layout) NumFields() int { return len(l.kinds) }

// lastVariable reports whether i is the last field and variable.
func (l Layout) lastVariable(i int) bool {
	return i == len(l.kinds)-1 && l.kinds[i].variable()
}

// Writer encodes one record.
type Writer struct {
	layout Layout
	buf    []byte
	field  int
	err    error
}

// NewWriter returns a writer for a record of layout.
func NewWriter(layout Layout) *Writer {
	return &Writer{
		layout: layout,
		buf:    make([]byte, 0, layout.minSize),
	}
}

func (w *Writer) next(k Kind) bool {
	if w.err != nil {
		return false
	}
	if w.field >= len(w.layout.kinds) {
		w.err = fmt.Errorf("field %d: %v beyond %d fields", w.field, k, len(w.layout.kinds))
		return false
	}
	if want := w.layout.kinds[w.field]; want != k {
		w.err = fmt.Errorf("field %d: put %v, want %v", w.field, k, want)
		return false
	}
	return true
}

func (w *Writer) putLength(n int) {
	if w.layout.lastVariable(w.field) {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(n))
}

// PutUint32 puts a uint32 field.
func (w *Writer) PutUint32(v uint32) {
	if !w.next(Uint32) {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	w.field++
}

// PutUint64 puts a uint64 field.
func (w *Writer) PutUint64(v uint64) {
	if !w.next(Uint64) {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	w.field++
}

// PutUint32List puts a list of uint32.
func (w *Writer) PutUint32List(vs []uint32) {
	if !w.next(Uint32List) {
		return
	}
	w.putLength(len(vs))
	for _, v := range vs {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	}
	w.field++
}

// PutUint64List puts a list of uint64.
func (w *Writer) PutUint64List(vs []uint64) {
	if !w.next(Uint64List) {
		return
	}
	w.putLength(len(vs))
	for _, v := range vs {
		w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	}
	w.field++
}

// PutText puts a text field.
func (w *Writer) PutText(s string) {
	if !w.next(Text) {
		return
	}
	w.putLength(len(s))
	w.buf = append(w.buf, s...)
	w.field++
}

// Bytes returns the encoded record.
// It fails if a put did not match the layout or fields are missing.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.field != len(w.layout.kinds) {
		return nil, fmt.Errorf("%d fields put, want %d", w.field, len(w.layout.kinds))
	}
	return w.buf, nil
}

// Reader decodes one record.
// Values returned by a Reader do not alias the input bytes.
type Reader struct {
	layout Layout
	buf    []byte
	field  int
	err    error
}

// NewReader returns a reader of b for layout.
func NewReader(layout Layout, b []byte) (*Reader, error) {
	if len(b) < layout.minSize {
		return nil, fmt.Errorf("size %d smaller than %d: %w", len(b), layout.minSize, ErrFormat)
	}
	return &Reader{layout: layout, buf: b}, nil
}

func (r *Reader) next(k Kind) bool {
	if r.err != nil {
		return false
	}
	if r.field >= len(r.layout.kinds) {
		r.err = fmt.Errorf("field %d: %v beyond %d fields", r.field, k, len(r.layout.kinds))
		return false
	}
	if want := r.layout.kinds[r.field]; want != k {
		r.err = fmt.Errorf("field %d: get %v, want %v", r.field, k, want)
		return false
	}
	return true
}

func (r *Reader) fail(format string, args ...any) {
	r.err = fmt.Errorf("field %d: %s: %w", r.field, fmt.Sprintf(format, args...), ErrFormat)
}

func (r *Reader) fixed(n int) []byte {
	if len(r.buf) < n {
		r.fail("need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	r.field++
	return b
}

// payload returns the payload bytes of the current variable field.
func (r *Reader) payload(k Kind) []byte {
	w := k.width()
	var size int
	if r.layout.lastVariable(r.field) {
		size = len(r.buf)
		if size%w != 0 {
			r.fail("%d bytes not multiple of %d", size, w)
			return nil
		}
	} else {
		if len(r.buf) < lengthSize {
			r.fail("truncated length")
			return nil
		}
		n := binary.LittleEndian.Uint32(r.buf)
		r.buf = r.buf[lengthSize:]
		if uint64(n)*uint64(w) > uint64(len(r.buf)) {
			r.fail("length %d exceeds %d remaining bytes", n, len(r.buf))
			return nil
		}
		size = int(n) * w
	}
	b := r.buf[:size]
	r.buf = r.buf[size:]
	r.field++
	return b
}

// Uint32 gets a uint32 field.
func (r *Reader) Uint32() uint32 {
	if !r.next(Uint32) {
		return 0
	}
	b := r.fixed(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Uint64 gets a uint64 field.
func (r *Reader) Uint64() uint64 {
	if !r.next(Uint64) {
		return 0
	}
	b := r.fixed(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Uint32List gets a list of uint32.
func (r *Reader) Uint32List() []uint32 {
	if !r.next(Uint32List) {
		return nil
	}
	b := r.payload(Uint32List)
	if len(b) == 0 {
		return nil
	}
	vs := make([]uint32, len(b)/4)
	for i := range vs {
		vs[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return vs
}

// Uint64List gets a list of uint64.
func (r *Reader) Uint64List() []uint64 {
	if !r.next(Uint64List) {
		return nil
	}
	b := r.payload(Uint64List)
	if len(b) == 0 {
		return nil
	}
	vs := make([]uint64, len(b)/8)
	for i := range vs {
		vs[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return vs
}

// Text gets a text field.
func (r *Reader) Text() string {
	if !r.next(Text) {
		return ""
	}
	return string(r.payload(Text))
}

// Err returns the first decode error.
// It also fails if fields are left unread or bytes remain.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.field != len(r.layout.kinds) {
		return fmt.Errorf("%d fields read, want %d", r.field, len(r.layout.kinds))
	}
	if len(r.buf) > 0 {
		return fmt.Errorf("%d trailing bytes: %w", len(r.buf), ErrFormat)
	}
	return nil
}
