// Package delivery implements the outbound push path: opening a fresh
// connection to a recipient's advertised endpoint and issuing a
// SEND_MESSAGE command, including the flush-on-connect drain of a
// recipient's queued messages.
package delivery

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosiborra/msgrelay/pkg/directory"
	"github.com/carlosiborra/msgrelay/pkg/wire"
)

// DefaultTimeout bounds both the outbound dial and the token writes for a
// single push, following the implementer-recommended deadline in the
// original specification's concurrency notes.
const DefaultTimeout = 2 * time.Second

// Pusher delivers SEND_MESSAGE pushes to recipients. Construct one with
// New.
type Pusher struct {
	// Timeout bounds the dial and every token write of a push. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	Logger  zerolog.Logger
	m       *pushMetrics
}

// New returns a Pusher with the given push timeout (0 for DefaultTimeout)
// and logger.
func New(timeout time.Duration, logger zerolog.Logger) *Pusher {
	return &Pusher{Timeout: timeout, Logger: logger, m: newPushMetrics("")}
}

func (p *Pusher) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// Push opens a fresh TCP connection to (ip, port) and writes a
// SEND_MESSAGE command: opcode token, sourceAlias, decimal msgID, body.
// No reply is read. Failures are returned to the caller, who is expected
// to log and swallow them per the push-failure policy: pushes to an
// already-ONLINE recipient are never retried or requeued.
func (p *Pusher) Push(ip netip.Addr, port uint16, sourceAlias string, msgID uint32, body string) error {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))

	d := net.Dialer{Timeout: p.timeout()}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		p.m.observe("fail_dial")
		return fmt.Errorf("delivery: dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(p.timeout()))

	if err := wire.WriteToken(conn, string(wire.OpSendMessage)); err != nil {
		p.m.observe("fail_write")
		return fmt.Errorf("delivery: write opcode to %s: %w", addr, err)
	}
	if err := wire.WriteToken(conn, sourceAlias); err != nil {
		p.m.observe("fail_write")
		return fmt.Errorf("delivery: write source_alias to %s: %w", addr, err)
	}
	if err := wire.WriteToken(conn, strconv.FormatUint(uint64(msgID), 10)); err != nil {
		p.m.observe("fail_write")
		return fmt.Errorf("delivery: write msg_id to %s: %w", addr, err)
	}
	if err := wire.WriteToken(conn, body); err != nil {
		p.m.observe("fail_write")
		return fmt.Errorf("delivery: write body to %s: %w", addr, err)
	}

	p.m.observe("success")
	return nil
}

// PushOne pushes a single queued message, logs (rather than propagating)
// any failure, and reports whether the push succeeded. It does not touch
// the directory; Flush leaves a message whose push failed in the queue.
func (p *Pusher) PushOne(ip netip.Addr, port uint16, msg directory.QueuedMessage) bool {
	if err := p.Push(ip, port, msg.SourceAlias, msg.MsgID, msg.Body); err != nil {
		p.Logger.Warn().
			Err(err).
			Str("recipient_ip", ip.String()).
			Uint16("recipient_port", port).
			Uint32("msg_id", msg.MsgID).
			Msg("push failed, message left queued")
		return false
	}
	return true
}

// Flush drains dir's pending queue for alias after a successful Connect,
// pushing each entry in arrival order and deleting it from the directory
// only after a successful push. It takes no lock itself: pending is
// expected to be the snapshot Directory.Connect already returned, taken
// under the directory's write lock, so Flush never holds that lock across
// network I/O.
func (p *Pusher) Flush(dir *directory.Directory, alias string, ip netip.Addr, port uint16, pending []directory.QueuedMessage) {
	// DeleteMessage reindexes the queue, so each earlier deletion shifts
	// the remaining snapshot entries down by one position.
	deleted := 0
	for _, msg := range pending {
		if !p.PushOne(ip, port, msg) {
			continue
		}
		if dir.DeleteMessage(alias, msg.Seq-deleted) == directory.ResultOK {
			deleted++
		}
	}
}
