package helpers

import (
	"io"
	"net"
	"time"
)

// WriteAll keeps writing until b is consumed or error.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == len(b) {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// WriteAllTimeout is WriteAll with conn write deadline, timeout=0 means no deadline.
func WriteAllTimeout(conn net.Conn, b []byte, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return WriteAll(conn, b)
}
