package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// frameBuffer is the number of decoded frames held before the oldest is dropped.
const frameBuffer = 256

// Receiver reads G.711 RTP from a packet socket and yields decoded 8kHz PCM
// frames. It satisfies signaling.AudioSource.
type Receiver struct {
	conn   net.PacketConn
	frames chan []int16
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	peer     atomic.Value // net.Addr of the last sender
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Listen opens a UDP receiver on addr ("host:port", port 0 picks one).
func Listen(addr string) (*Receiver, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewReceiver(conn), nil
}

// NewReceiver starts reading from conn. The receiver owns conn.
func NewReceiver(conn net.PacketConn) *Receiver {
	r := &Receiver{
		conn:   conn,
		frames: make(chan []int16, frameBuffer),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r
}

// LocalAddr is the bound socket address.
func (r *Receiver) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Peer returns the address of the last RTP sender, or nil.
func (r *Receiver) Peer() net.Addr {
	if v, ok := r.peer.Load().(net.Addr); ok {
		return v
	}
	return nil
}

// Stats returns received and dropped frame counts.
func (r *Receiver) Stats() (received, dropped uint64) {
	return r.received.Load(), r.dropped.Load()
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()
	defer close(r.frames)

	buf := make([]byte, 1500)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("[Media] RTP read ended", "local", r.conn.LocalAddr(), "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		codec, err := CodecByPayloadType(pkt.PayloadType)
		if err != nil {
			// telephone-event and comfort noise are not recorded
			continue
		}
		r.peer.Store(from)
		r.push(codec.Decode(pkt.Payload))
	}
}

func (r *Receiver) push(frame []int16) {
	r.received.Add(1)
	for {
		select {
		case r.frames <- frame:
			return
		case <-r.done:
			return
		default:
		}
		// Full: drop the oldest frame and retry.
		select {
		case <-r.frames:
			r.dropped.Add(1)
		default:
		}
	}
}

// ReadFrame blocks for the next decoded frame. io.EOF after Close.
func (r *Receiver) ReadFrame(ctx context.Context) ([]int16, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-r.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}

// Close stops the receiver and releases the socket.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}
