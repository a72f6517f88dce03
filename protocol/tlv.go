// TLV format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol implements the compact TLV (type-length-value) framing used on
the replication wire, plus the Feeder/Drainer plumbing that moves batches of
records between connections and protocol handlers.

A record header takes one of three forms:

 1. tiny, 1 byte: ['0'+len], for bodies of 0..9 bytes written with a
    lowercase type; the type is lost and reads back as '0'
 2. short, 2 bytes: [lowercase type, len], for bodies up to 255 bytes
 3. long, 5 bytes: [uppercase type, len as 4-byte little endian]

Record types are the letters A..Z. The replication protocol always writes
uppercase types so that the type survives.

	rec := Record('H', dkey, length)
	body, rest := Take('H', rec)
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader reads a record header. lit is 'A'..'Z', '0' for a tiny record,
// '-' for garbage and 0 when the header itself is incomplete.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= '0' && dlit <= '9':
		return '0', 1, int(dlit - '0')
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return dlit - CaseBit, 2, int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// Split cuts complete records off the front of the buffer. A trailing partial
// record stays in the buffer and is reported as ErrIncomplete.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 {
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("packet size %d, len %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		if _, err = data.Read(record); err != nil {
			return
		}
		recs = append(recs, record)
	}
	return
}

// AppendHeader appends a header for a body of the given length, picking the
// shortest form the type case allows.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && (lit&CaseBit) != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, biglit|CaseBit, byte(bodylen))
	}
}

// Take cuts a record of the given type off trusted data. An incomplete record
// returns (nil, data); a record of another type returns (nil, nil).
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

// TakeAny is Take for whatever type comes first.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = Lit(data)
	body, rest = Take(lit, data)
	return
}

// TakeWary is Take for untrusted input.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAnyWary is TakeAny for untrusted input.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = Lit(data)
	if lit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	body, rest, err = TakeWary(lit, data)
	return
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Lit returns the canonical type of a record: 'A'..'Z', '0' for tiny or '-'.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, TotalLen(body)+5), lit, body...)
}

func TinyRecord(lit byte, body []byte) []byte {
	return Record(lit|CaseBit, body)
}

func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, TotalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// OpenHeader starts a long-form record whose length is not known yet;
// CloseHeader fills it in once the body is appended.
//
//	bookmark, buf := OpenHeader(buf, 'D')
//	buf = append(buf, data...)
//	CloseHeader(buf, bookmark)
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV liters are uppercase A-Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("check the API docs")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
