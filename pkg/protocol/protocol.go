// Package protocol implements the per-connection command dispatcher: read
// an opcode token, read its operand tokens, call the directory, write the
// reply, and (for CONNECT and SEND) trigger the corresponding push.
package protocol

import (
	"bufio"
	"net"
	"net/netip"
	"strconv"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/carlosiborra/msgrelay/pkg/delivery"
	"github.com/carlosiborra/msgrelay/pkg/directory"
	"github.com/carlosiborra/msgrelay/pkg/wire"
)

// Handler dispatches one accepted connection's single command. One
// Handler is shared across all connections; it holds no per-connection
// state of its own.
type Handler struct {
	Directory *directory.Directory
	Pusher    *delivery.Pusher
	Logger    zerolog.Logger
	m         *protocolMetrics
}

// New returns a ready-to-use Handler.
func New(dir *directory.Directory, pusher *delivery.Pusher, logger zerolog.Logger) *Handler {
	return &Handler{Directory: dir, Pusher: pusher, Logger: logger, m: newProtocolMetrics("")}
}

// Set returns the VictoriaMetrics set backing this handler's counters.
func (h *Handler) Set() *metrics.Set {
	return h.m.set
}

// Handle processes exactly one command on conn and closes it on return.
// Framing failures (short read, missing NUL, unknown opcode) abort the
// connection without a reply, per the wire contract. A single *bufio.Reader
// is built once here and threaded through every handleXxx call so that
// wire.ReadToken's buffer-reuse fast path applies across every read of the
// connection, instead of each ReadToken call wrapping conn in a fresh,
// immediately-discarded bufio.Reader (which can silently strand bytes the
// kernel already delivered).
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close()

	peer, err := peerAddr(conn)
	if err != nil {
		h.Logger.Debug().Err(err).Msg("rejecting connection: unparseable peer address")
		h.m.observe("", "abort_peer")
		return
	}

	log := h.Logger.With().Str("peer", peer.String()).Logger()

	br := bufio.NewReader(conn)

	opToken, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		log.Debug().Err(err).Msg("aborting connection: failed to read opcode")
		h.m.observe("", "abort_framing")
		return
	}
	op, err := wire.ParseOpcode(opToken)
	if err != nil {
		log.Debug().Str("opcode", opToken).Msg("aborting connection: unknown opcode")
		h.m.observe("", "abort_unknown_opcode")
		return
	}

	log = log.With().Str("opcode", string(op)).Logger()

	switch op {
	case wire.OpRegister:
		h.handleRegister(conn, br, log, peer)
	case wire.OpUnregister:
		h.handleUnregister(conn, br, log)
	case wire.OpConnect:
		h.handleConnect(conn, br, log, peer)
	case wire.OpDisconnect:
		h.handleDisconnect(conn, br, log, peer)
	case wire.OpSend:
		h.handleSend(conn, br, log)
	case wire.OpConnectedUsers:
		h.handleConnectedUsers(conn, br, log)
	}
}

func (h *Handler) handleRegister(conn net.Conn, br *bufio.Reader, log zerolog.Logger, peer netip.AddrPort) {
	name, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "name", err)
		return
	}
	alias, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "alias", err)
		return
	}
	birth, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "birth", err)
		return
	}

	result := h.Directory.Register(peer.Addr(), peer.Port(), name, alias, birth)
	h.m.observe(string(wire.OpRegister), resultLabel(result))
	if err := wire.WriteCode(conn, byte(result)); err != nil {
		log.Debug().Err(err).Msg("failed to write reply code")
	}
}

func (h *Handler) handleUnregister(conn net.Conn, br *bufio.Reader, log zerolog.Logger) {
	alias, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "alias", err)
		return
	}

	result := h.Directory.Unregister(alias)
	h.m.observe(string(wire.OpUnregister), resultLabel(result))
	if err := wire.WriteCode(conn, byte(result)); err != nil {
		log.Debug().Err(err).Msg("failed to write reply code")
	}
}

func (h *Handler) handleConnect(conn net.Conn, br *bufio.Reader, log zerolog.Logger, peer netip.AddrPort) {
	alias, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "alias", err)
		return
	}
	portTok, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "listen_port", err)
		return
	}
	port, perr := strconv.ParseUint(portTok, 10, 16)
	if perr != nil {
		h.m.observe(string(wire.OpConnect), resultLabel(directory.ResultBadInputOrError))
		if err := wire.WriteCode(conn, byte(directory.ResultBadInputOrError)); err != nil {
			log.Debug().Err(err).Msg("failed to write reply code")
		}
		return
	}

	result, pending := h.Directory.Connect(peer.Addr(), uint16(port), alias)
	h.m.observe(string(wire.OpConnect), resultLabel(result))
	if err := wire.WriteCode(conn, byte(result)); err != nil {
		log.Debug().Err(err).Msg("failed to write reply code")
		return
	}

	if result == directory.ResultOK && len(pending) > 0 {
		h.Pusher.Flush(h.Directory, alias, peer.Addr(), uint16(port), pending)
	}
}

func (h *Handler) handleDisconnect(conn net.Conn, br *bufio.Reader, log zerolog.Logger, peer netip.AddrPort) {
	alias, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "alias", err)
		return
	}

	result := h.Directory.Disconnect(peer.Addr(), alias)
	h.m.observe(string(wire.OpDisconnect), resultLabel(result))
	if err := wire.WriteCode(conn, byte(result)); err != nil {
		log.Debug().Err(err).Msg("failed to write reply code")
	}
}

func (h *Handler) handleConnectedUsers(conn net.Conn, br *bufio.Reader, log zerolog.Logger) {
	alias, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "alias", err)
		return
	}

	result, aliases := h.Directory.ConnectedUsers(alias)
	h.m.observe(string(wire.OpConnectedUsers), resultLabel(result))
	if err := wire.WriteCode(conn, byte(result)); err != nil {
		log.Debug().Err(err).Msg("failed to write reply code")
		return
	}
	if result != directory.ResultOK {
		return
	}
	if err := wire.WriteToken(conn, strconv.Itoa(len(aliases))); err != nil {
		log.Debug().Err(err).Msg("failed to write size token")
		return
	}
	for _, a := range aliases {
		if err := wire.WriteToken(conn, a); err != nil {
			log.Debug().Err(err).Msg("failed to write alias token")
			return
		}
	}
}

func (h *Handler) handleSend(conn net.Conn, br *bufio.Reader, log zerolog.Logger) {
	source, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "source_alias", err)
		return
	}
	dest, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "dest_alias", err)
		return
	}
	body, err := wire.ReadToken(br, wire.MaxTokenLen)
	if err != nil {
		h.abort(log, "body", err)
		return
	}

	res := h.Directory.Send(source, dest, body)
	h.m.observe(string(wire.OpSend), resultLabel(res.Result))
	if err := wire.WriteCode(conn, byte(res.Result)); err != nil {
		log.Debug().Err(err).Msg("failed to write reply code")
		return
	}
	if res.Result != directory.ResultOK {
		return
	}
	if err := wire.WriteToken(conn, strconv.FormatUint(uint64(res.MsgID), 10)); err != nil {
		log.Debug().Err(err).Msg("failed to write msg_id token")
		return
	}

	if !res.Stored {
		if err := h.Pusher.Push(res.RecipientIP, res.RecipientPort, source, res.MsgID, body); err != nil {
			log.Warn().Err(err).Str("dest_alias", dest).Msg("push to online recipient failed, message dropped")
		}
	}
}

func (h *Handler) abort(log zerolog.Logger, field string, err error) {
	log.Debug().Err(err).Str("field", field).Msg("aborting connection: framing failure")
	h.m.observe("", "abort_framing")
}

func peerAddr(conn net.Conn) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ap, nil
}

func resultLabel(result int) string {
	switch result {
	case directory.ResultOK:
		return "ok"
	case directory.ResultNotFoundOrState:
		return "not_found_or_state"
	case directory.ResultBadInputOrError:
		return "bad_input_or_error"
	case directory.ResultIdentityMismatch:
		return "identity_mismatch"
	default:
		return "unknown"
	}
}
