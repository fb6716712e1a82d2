package proto

import (
	"fmt"
	"io"
	"net"
)

const maxPacketLen = 1<<24 - 1

// Channel is one side of a spliced connection. It frames payloads into
// MySQL packets and tracks the sequence id across reads and writes.
type Channel struct {
	conn net.Conn
	seq  byte
	open bool
}

// NewChannel wraps an established connection. The sequence id starts at
// NoPriorPacket so the first write uses seq 0.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn, seq: NoPriorPacket, open: conn != nil}
}

// IsOpen reports whether the underlying connection is usable.
func (c *Channel) IsOpen() bool {
	return c != nil && c.open && c.conn != nil
}

// Conn returns the underlying network connection.
func (c *Channel) Conn() net.Conn {
	return c.conn
}

// Seq returns the current sequence id.
func (c *Channel) Seq() byte {
	return c.seq
}

// SetSeq overrides the sequence id. Used with NoPriorPacket to start a
// fresh command.
func (c *Channel) SetSeq(seq byte) {
	c.seq = seq
}

// Close closes the underlying connection and marks the channel unusable.
func (c *Channel) Close() error {
	if c == nil || !c.open {
		return nil
	}
	c.open = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Detach hands the underlying connection to the caller (e.g. the pool)
// without closing it. The channel becomes unusable.
func (c *Channel) Detach() net.Conn {
	conn := c.conn
	c.conn = nil
	c.open = false
	return conn
}

// ReadPacket reads one packet payload, advancing the sequence id.
// Packets of exactly 16MB-1 bytes are followed by continuation packets,
// which are concatenated.
func (c *Channel) ReadPacket() ([]byte, error) {
	var payload []byte
	for {
		chunk, err := c.readOne()
		if err != nil {
			return nil, err
		}
		if payload == nil {
			payload = chunk
		} else {
			payload = append(payload, chunk...)
		}
		if len(chunk) < maxPacketLen {
			return payload, nil
		}
	}
}

func (c *Channel) readOne() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		c.open = false
		return nil, err
	}

	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	c.seq = header[3]

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.open = false
			return nil, err
		}
	}
	return payload, nil
}

// WritePacket frames and writes one payload with the next sequence id.
func (c *Channel) WritePacket(payload []byte) error {
	for {
		chunk := payload
		if len(chunk) > maxPacketLen {
			chunk = payload[:maxPacketLen]
		}
		payload = payload[len(chunk):]

		c.seq++
		header := [4]byte{
			byte(len(chunk)),
			byte(len(chunk) >> 8),
			byte(len(chunk) >> 16),
			c.seq,
		}
		buf := make([]byte, 0, 4+len(chunk))
		buf = append(buf, header[:]...)
		buf = append(buf, chunk...)
		if _, err := c.conn.Write(buf); err != nil {
			c.open = false
			return fmt.Errorf("writing packet: %w", err)
		}

		if len(payload) == 0 && len(chunk) < maxPacketLen {
			return nil
		}
	}
}

// WriteCommand starts a new command: the sequence id is reset and the
// payload written with seq 0.
func (c *Channel) WriteCommand(payload []byte) error {
	c.seq = NoPriorPacket
	return c.WritePacket(payload)
}
