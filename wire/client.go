package wire

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/status"
)

// ErrTimeout is returned when the controller does not answer within the port's read timeout.
var ErrTimeout = errors.New("controller did not answer in time")

// DefaultTimeout bounds each read from a serial port.
const DefaultTimeout = 400 * time.Millisecond

// Client is a motion.Transport over a byte stream. One request is in flight at a time.
type Client struct {
	logger logging.Logger

	mu sync.Mutex
	rw io.ReadWriter
}

// NewClient returns a Client that talks over rw.
func NewClient(rw io.ReadWriter, logger logging.Logger) *Client {
	return &Client{rw: rw, logger: logger}
}

// Open connects to a controller on a serial port.
func Open(path string, baudRate int, timeout time.Duration, logger logging.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "setting read timeout"), port.Close())
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Warnf("could not flush %s: %v", path, err)
	}
	return NewClient(&timeoutReadWriter{port}, logger), nil
}

// Send issues cmd and waits for the controller to acknowledge it.
func (c *Client) Send(ctx context.Context, cmd motion.Command) error {
	req, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return c.roundTrip(ctx, string(cmd.Code), req, nil)
}

// Status requests a status snapshot.
func (c *Client) Status(ctx context.Context) (status.Raw, error) {
	var p statusPayload
	if err := c.roundTrip(ctx, codeStatus, []byte(codeStatus), &p); err != nil {
		return status.Raw{}, err
	}
	return toRaw(p), nil
}

// Close closes the underlying stream if it can be closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// inputResetter is implemented by streams that can drop bytes already received, such as serial ports.
type inputResetter interface {
	ResetInputBuffer() error
}

func (c *Client) roundTrip(ctx context.Context, code string, req []byte, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.exchange(code, req, reply)
	if err == nil {
		return nil
	}
	// A partial or unexpected reply leaves bytes that would be read as the next answer.
	if r, ok := c.rw.(inputResetter); ok {
		if rerr := r.ResetInputBuffer(); rerr != nil {
			c.logger.Warnf("could not flush input after failed %s: %v", code, rerr)
		}
	}
	return err
}

func (c *Client) exchange(code string, req []byte, reply any) error {
	c.logger.Debugf("write %s: %x", code, req)
	if _, err := c.rw.Write(req); err != nil {
		return errors.Wrapf(err, "writing %s", code)
	}

	head := make([]byte, codeLen)
	if _, err := io.ReadFull(c.rw, head); err != nil {
		return errors.Wrapf(err, "reading %s reply", code)
	}
	switch string(head) {
	case replyUnknown, replyCorrupt, replyValueReject:
		return errors.Wrapf(ErrDeviceRejected, "%s answered %s", code, head)
	case code:
	default:
		return errors.Errorf("reply %q does not match request %q", head, code)
	}
	if reply == nil {
		return nil
	}

	body := make([]byte, binary.Size(reply)+2)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return errors.Wrapf(err, "reading %s reply", code)
	}
	c.logger.Debugf("read %s: %x", code, body)
	return errors.Wrap(decodePayload(body, reply), code)
}

// timeoutReadWriter turns the empty read a serial port returns on timeout into ErrTimeout.
type timeoutReadWriter struct {
	serial.Port
}

func (t *timeoutReadWriter) Read(p []byte) (int, error) {
	n, err := t.Port.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}
