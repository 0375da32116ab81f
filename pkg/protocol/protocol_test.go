package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosiborra/msgrelay/pkg/delivery"
	"github.com/carlosiborra/msgrelay/pkg/directory"
	"github.com/carlosiborra/msgrelay/pkg/wire"
)

// newHandler returns a Handler wired to a fresh Directory, serving
// connections accepted on a loopback listener, following
// pkg/a2s's stdlib-only testing style (no mocking).
func newHandler(t *testing.T) (*Handler, net.Listener) {
	t.Helper()
	dir := directory.New("")
	pusher := delivery.New(500*time.Millisecond, zerolog.Nop())
	h := New(dir, pusher, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.Handle(conn)
		}
	}()
	return h, ln
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func sendTokens(t *testing.T, conn net.Conn, tokens ...string) {
	t.Helper()
	for _, tok := range tokens {
		if err := wire.WriteToken(conn, tok); err != nil {
			t.Fatalf("WriteToken(%q): %v", tok, err)
		}
	}
}

func readCode(t *testing.T, conn net.Conn) byte {
	t.Helper()
	b, err := wire.ReadCode(conn)
	if err != nil {
		t.Fatalf("ReadCode: %v", err)
	}
	return b
}

func TestRegisterConnectConnectedUsers(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	// REGISTER
	conn := dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Alice", "alice", "01/01/2000")
	if code := readCode(t, conn); code != directory.ResultOK {
		t.Fatalf("REGISTER: expected %d, got %d", directory.ResultOK, code)
	}
	conn.Close()

	// CONNECT
	conn = dial(t, ln)
	_, localPortStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	sendTokens(t, conn, "CONNECT", "alice", localPortStr)
	if code := readCode(t, conn); code != directory.ResultOK {
		t.Fatalf("CONNECT: expected %d, got %d", directory.ResultOK, code)
	}
	conn.Close()

	// CONNECTEDUSERS
	conn = dial(t, ln)
	sendTokens(t, conn, "CONNECTEDUSERS", "alice")
	if code := readCode(t, conn); code != directory.ResultOK {
		t.Fatalf("CONNECTEDUSERS: expected %d, got %d", directory.ResultOK, code)
	}
	size, err := wire.ReadToken(conn, wire.MaxTokenLen)
	if err != nil {
		t.Fatalf("read size: %v", err)
	}
	if size != "1" {
		t.Errorf("expected size 1, got %s", size)
	}
	alias, err := wire.ReadToken(conn, wire.MaxTokenLen)
	if err != nil || alias != "alice" {
		t.Errorf("expected alias alice, got %q err=%v", alias, err)
	}
	conn.Close()
}

func TestUnknownOpcodeAbortsWithoutReply(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	conn := dial(t, ln)
	defer conn.Close()
	sendTokens(t, conn, "BOGUS")

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("expected connection closed without reply, got n=%d err=%v", n, err)
	}
}

func TestDuplicateRegisterReturnsCode1(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	conn := dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Alice", "alice", "01/01/2000")
	readCode(t, conn)
	conn.Close()

	conn = dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Alice2", "alice", "02/02/2000")
	if code := readCode(t, conn); code != directory.ResultNotFoundOrState {
		t.Errorf("duplicate REGISTER: expected %d, got %d", directory.ResultNotFoundOrState, code)
	}
	conn.Close()
}

func TestOfflineSendThenConnectTriggersPush(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	// register + connect alice
	conn := dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Alice", "alice", "01/01/2000")
	readCode(t, conn)
	conn.Close()

	conn = dial(t, ln)
	_, alicePort, _ := net.SplitHostPort(conn.LocalAddr().String())
	sendTokens(t, conn, "CONNECT", "alice", alicePort)
	readCode(t, conn)
	conn.Close()

	// register bob (offline)
	conn = dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Bob", "bob", "01/01/2000")
	readCode(t, conn)
	conn.Close()

	// alice sends to bob (offline) -> stored
	conn = dial(t, ln)
	sendTokens(t, conn, "SEND", "alice", "bob", "hi")
	if code := readCode(t, conn); code != directory.ResultOK {
		t.Fatalf("SEND: expected %d, got %d", directory.ResultOK, code)
	}
	msgID, err := wire.ReadToken(conn, wire.MaxTokenLen)
	if err != nil || msgID != "1" {
		t.Fatalf("expected msg_id 1, got %q err=%v", msgID, err)
	}
	conn.Close()

	// bob listens on an ephemeral port, then connects advertising it
	bobLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer bobLn.Close()
	_, bobPort, _ := net.SplitHostPort(bobLn.Addr().String())

	pushCh := make(chan string, 1)
	go func() {
		pconn, err := bobLn.Accept()
		if err != nil {
			return
		}
		defer pconn.Close()
		op, _ := wire.ReadToken(pconn, wire.MaxTokenLen)
		src, _ := wire.ReadToken(pconn, wire.MaxTokenLen)
		id, _ := wire.ReadToken(pconn, wire.MaxTokenLen)
		body, _ := wire.ReadToken(pconn, wire.MaxTokenLen)
		pushCh <- op + "|" + src + "|" + id + "|" + body
	}()

	conn = dial(t, ln)
	sendTokens(t, conn, "CONNECT", "bob", bobPort)
	if code := readCode(t, conn); code != directory.ResultOK {
		t.Fatalf("bob CONNECT: expected %d, got %d", directory.ResultOK, code)
	}
	conn.Close()

	select {
	case got := <-pushCh:
		want := "SEND_MESSAGE|alice|1|hi"
		if got != want {
			t.Errorf("expected push %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed push")
	}
}

func TestDisconnectSameIdentitySucceeds(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	conn := dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Bob", "bob", "01/01/2000")
	readCode(t, conn)
	conn.Close()

	connectConn := dial(t, ln)
	_, bobPort, _ := net.SplitHostPort(connectConn.LocalAddr().String())
	sendTokens(t, connectConn, "CONNECT", "bob", bobPort)
	readCode(t, connectConn)
	// connectConn's source IP (127.0.0.1) is now bob's stored identity, and
	// the DISCONNECT below comes from the same loopback address; the
	// mismatch case is exercised in the directory package's own unit tests,
	// since protocol always connects/disconnects from the same loopback
	// address here. This test only confirms the reply shape.
	connectConn.Close()

	conn = dial(t, ln)
	sendTokens(t, conn, "DISCONNECT", "bob")
	code := readCode(t, conn)
	if code != directory.ResultOK {
		t.Errorf("DISCONNECT: expected %d, got %d", directory.ResultOK, code)
	}
	conn.Close()
}

func TestSendRejectsMissingSource(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	conn := dial(t, ln)
	defer conn.Close()
	sendTokens(t, conn, "SEND", "nope", "alsonope", "hi")
	if code := readCode(t, conn); code != directory.ResultBadInputOrError {
		t.Errorf("SEND missing source: expected %d, got %d", directory.ResultBadInputOrError, code)
	}
}

func TestConnectBadPortToken(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	conn := dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Alice", "alice", "01/01/2000")
	readCode(t, conn)
	conn.Close()

	conn = dial(t, ln)
	defer conn.Close()
	sendTokens(t, conn, "CONNECT", "alice", "not-a-port")
	if code := readCode(t, conn); code != directory.ResultBadInputOrError {
		t.Errorf("CONNECT bad port: expected %d, got %d", directory.ResultBadInputOrError, code)
	}
}

func TestConnectedUsersOfflineReturnsCode1NoList(t *testing.T) {
	_, ln := newHandler(t)
	defer ln.Close()

	conn := dial(t, ln)
	sendTokens(t, conn, "REGISTER", "Bob", "bob", "01/01/2000")
	readCode(t, conn)
	conn.Close()

	conn = dial(t, ln)
	defer conn.Close()
	sendTokens(t, conn, "CONNECTEDUSERS", "bob")
	if code := readCode(t, conn); code != directory.ResultNotFoundOrState {
		t.Fatalf("CONNECTEDUSERS offline: expected %d, got %d", directory.ResultNotFoundOrState, code)
	}
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); n != 0 || err == nil {
		t.Errorf("expected no further tokens after code 1, got n=%d err=%v", n, err)
	}
}
