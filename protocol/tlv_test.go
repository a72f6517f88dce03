package protocol

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8(67), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestFeedHeader(t *testing.T) {
	buf := []byte{}
	l, buf := OpenHeader(buf, 'A')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	body := "12"
	tiny := TinyRecord('X', []byte(body))
	assert.Equal(t, "212", string(tiny))
}

func TestSplit(t *testing.T) {
	long := make([]byte, 300)
	stream := Concat(
		Record('F', []byte("key")),
		Record('D', long),
		Record('B'),
	)
	var buf bytes.Buffer
	buf.Write(stream[:len(stream)-3])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1, len(recs))
	assert.Equal(t, byte('F'), Lit(recs[0]))

	buf.Write(stream[len(stream)-3:])
	recs, err = Split(&buf)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(recs))
	body, rest := Take('D', recs[0])
	assert.Equal(t, 300, len(body))
	assert.Empty(t, rest)
	lit, body, _ := TakeAny(recs[1])
	assert.Equal(t, byte('B'), lit)
	assert.Empty(t, body)
	assert.Equal(t, 0, buf.Len())
}

func TestSplit_Garbage(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 1, 2, 3})
	_, err := Split(buf)
	assert.ErrorIs(t, err, ErrBadRecord)

	_, _, _, err = TakeAnyWary([]byte{'#'})
	assert.ErrorIs(t, err, ErrBadRecord)
	_, _, err = TakeWary('H', Record('Q', []byte{1}))
	assert.ErrorIs(t, err, ErrBadRecord)
}

type sliceFeedDrainer struct {
	data []byte
	res  []byte
}

func (fd *sliceFeedDrainer) Close() error {
	fd.res = append(fd.res, '(')
	fd.res = append(fd.res, fd.data...)
	fd.res = append(fd.res, ')')
	return nil
}

func (fd *sliceFeedDrainer) Drain(ctx context.Context, recs Records) error {
	for _, rec := range recs {
		fd.data = append(fd.data, rec...)
	}
	return nil
}

func (fd *sliceFeedDrainer) Feed(ctx context.Context) (recs Records, err error) {
	for i := 0; i < 3 && len(fd.data) > 0; i++ {
		recs = append(recs, fd.data[0:1])
		fd.data = fd.data[1:]
	}
	if len(fd.data) == 0 {
		err = io.EOF
	}
	return
}

func TestPumpThenClose(t *testing.T) {
	fro := sliceFeedDrainer{
		data: []byte("Hello world"),
	}
	to := sliceFeedDrainer{}
	err := PumpThenClose(context.Background(), &fro, &to)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, []byte("(Hello world)"), to.res)
}
