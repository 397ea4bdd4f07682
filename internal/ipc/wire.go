package ipc

import (
	"bufio"
	"encoding/json"
	"net"
)

// lineCodec frames requests and responses as single JSON lines over one
// connection.
type lineCodec struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newLineCodec(conn net.Conn) *lineCodec {
	return &lineCodec{r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// next reads one request line. A nil request with a nil error means the line
// was not valid JSON; the connection itself is still healthy.
func (c *lineCodec) next() (*Request, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, nil
	}
	return &req, nil
}

func (c *lineCodec) write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}
