package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// errLineTooLong means the peer sent more than MaxRequestLen bytes without a
// line terminator. Framing is lost at that point.
var errLineTooLong = errors.New("request line too long")

const (
	// readBufSize holds the longest acceptable line plus "\r\n".
	readBufSize = MaxRequestLen + 2

	// rstAvoidanceDelay bounds how long unread input is drained before an
	// early close, so the final reply is not lost to a TCP reset.
	rstAvoidanceDelay = 500 * time.Millisecond
	maxDrainBytes     = 64 << 10
)

// conn owns one accepted client connection from accept to close.
type conn struct {
	srv *Server
	rwc net.Conn
	log zerolog.Logger

	closeOnce sync.Once
}

func (s *Server) newConn(rwc net.Conn, id uint64) *conn {
	return &conn{
		srv: s,
		rwc: rwc,
		log: s.log.With().
			Str("component", "conn").
			Uint64("client", id).
			Str("remote", rwc.RemoteAddr().String()).
			Logger(),
	}
}

// close releases the underlying stream. Safe to call from any goroutine, any
// number of times.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		if err := c.rwc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Debug().Err(err).Msg("close failed")
		}
	})
}

// serve runs the read/respond loop until the peer disconnects, an I/O error
// occurs or ctx is cancelled.
func (c *conn) serve(ctx context.Context) {
	defer c.close()

	// Cancellation closes the stream, which unblocks a pending read or write.
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	c.log.Debug().Msg("connection opened")

	var limiter *rate.Limiter
	if cfg := c.srv.cfg; cfg.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst)
	}

	r := bufio.NewReaderSize(c.rwc, readBufSize)
	w := bufio.NewWriter(c.rwc)

	for {
		if idle := c.srv.cfg.IdleTimeout; idle > 0 {
			if err := c.rwc.SetReadDeadline(time.Now().Add(idle)); err != nil {
				c.log.Debug().Err(err).Msg("set read deadline failed")
			}
		}

		line, err := readRequest(r)
		if errors.Is(err, errLineTooLong) {
			c.srv.metrics.requests.WithLabelValues(resultInvalid).Inc()
			c.log.Warn().Int("limit", MaxRequestLen).Msg("request line too long, closing")
			w.WriteString(respTooLong)
			if w.Flush() == nil {
				c.closeWriteAndWait()
			}
			return
		}
		// A final line without terminator is still answered before closing.
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			c.logReadError(err)
			return
		}

		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				return
			}
		}

		resp, result := c.srv.handler.Handle(line)
		c.srv.metrics.requests.WithLabelValues(result).Inc()
		c.log.Debug().Bytes("request", line).Str("result", result).Msg("lookup")

		w.Write(resp)
		if werr := w.Flush(); werr != nil {
			c.logWriteError(werr)
			return
		}

		if err != nil {
			c.log.Debug().Msg("client disconnected")
			return
		}
	}
}

// closeWriteAndWait half-closes the stream and discards pending input for a
// short while before the caller closes it.
func (c *conn) closeWriteAndWait() {
	if cw, ok := c.rwc.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			c.log.Debug().Err(err).Msg("close write failed")
		}
	}
	if err := c.rwc.SetReadDeadline(time.Now().Add(rstAvoidanceDelay)); err != nil {
		c.log.Debug().Err(err).Msg("set read deadline failed")
	}
	io.Copy(io.Discard, io.LimitReader(c.rwc, maxDrainBytes))
}

func (c *conn) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("client disconnected")
	case errors.Is(err, net.ErrClosed):
		c.log.Debug().Msg("connection closed by server")
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.log.Info().Dur("idle_timeout", c.srv.cfg.IdleTimeout).Msg("idle timeout, closing")
	default:
		c.log.Warn().Err(err).Msg("read failed")
	}
}

func (c *conn) logWriteError(err error) {
	if errors.Is(err, net.ErrClosed) {
		c.log.Debug().Msg("connection closed by server")
		return
	}
	c.log.Warn().Err(err).Msg("write failed")
}

// readRequest returns the next line without its "\n" or "\r\n" terminator.
// At EOF it returns whatever partial line was buffered together with io.EOF.
// The returned slice is only valid until the next read.
func readRequest(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, errLineTooLong
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) > MaxRequestLen {
		return nil, errLineTooLong
	}
	return line, err
}
