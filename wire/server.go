package wire

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/viam-modules/ximc/motion"
)

// Serve answers requests read from rw using dev until rw reaches EOF or ctx is done. It lets a
// simulated controller sit behind a real byte stream.
func Serve(ctx context.Context, rw io.ReadWriter, dev motion.Transport) error {
	head := make([]byte, codeLen)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(rw, head); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		reply, err := serveOne(ctx, rw, string(head), dev)
		if err != nil {
			return err
		}
		if _, err := rw.Write(reply); err != nil {
			return err
		}
	}
}

func serveOne(ctx context.Context, rw io.ReadWriter, code string, dev motion.Transport) ([]byte, error) {
	size, ok := payloadSize(code)
	if !ok {
		return []byte(replyUnknown), nil
	}
	if code == codeStatus {
		raw, err := dev.Status(ctx)
		if err != nil {
			return []byte(replyValueReject), nil
		}
		p := fromRaw(raw)
		return frame(codeStatus, &p)
	}

	var body []byte
	if size > 0 {
		body = make([]byte, size+binary.Size(uint16(0)))
		if _, err := io.ReadFull(rw, body); err != nil {
			return nil, err
		}
	}
	cmd, err := decodeCommand(code, body)
	if errors.Is(err, ErrChecksum) {
		return []byte(replyCorrupt), nil
	}
	if err != nil {
		return nil, err
	}
	if err := dev.Send(ctx, cmd); err != nil {
		return []byte(replyValueReject), nil
	}
	return []byte(code), nil
}
