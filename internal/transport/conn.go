package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single message body.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("transport: frame too large")

// Conn frames messages over a net.Conn. Send and Receive may be used from
// different goroutines; concurrent Sends are serialized.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Send encodes m and writes it as one length-prefixed frame.
func (c *Conn) Send(m Message) error {
	var body bytes.Buffer
	enc := msgpack.NewEncoder(&body)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	if body.Len() > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, body.Len())
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(body.Len()))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := c.w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", m.Kind, err)
	}
	return nil
}

// Receive blocks for the next message. A clean close before a frame starts
// returns io.EOF.
func (c *Conn) Receive() (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Message{}, fmt.Errorf("read frame: %w", err)
	}

	var m Message
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error { return c.conn.Close() }
