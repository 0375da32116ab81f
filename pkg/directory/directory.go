// Package directory implements the in-memory, concurrency-safe user
// directory at the core of msgrelay: registered users, their connection
// state, their per-sender monotonic message counters, and the per-user
// queues of messages awaiting delivery.
package directory

import (
	"net/netip"
	"sync"
)

// Result codes returned by Directory operations. These are written
// directly to the wire as the single reply byte (narrowed per opcode by
// the caller); see the protocol package.
const (
	ResultOK = iota
	ResultNotFoundOrState
	ResultBadInputOrError
	ResultIdentityMismatch
)

// QueuedMessage is one message stamped while its recipient was offline,
// awaiting push on the recipient's next Connect.
type QueuedMessage struct {
	Seq         int
	MsgID       uint32
	SourceAlias string
	Body        string
}

// User is one directory record.
type User struct {
	Alias     string
	Name      string
	Birth     string
	IP        netip.Addr
	Port      uint16
	Online    bool
	NextMsgID uint32
	Pending   []QueuedMessage
}

// UserSnapshot is a read-only copy of a User record, returned by Snapshot
// for introspection; it shares no mutable state with the directory.
type UserSnapshot struct {
	Alias     string
	Name      string
	Birth     string
	IP        netip.Addr
	Port      uint16
	Online    bool
	NextMsgID uint32
	Pending   int // queue length, not the messages themselves
}

// Directory is the set of registered users, keyed by alias. Construct one
// with New; a Directory must not be copied after first use.
type Directory struct {
	mu    sync.RWMutex
	users map[string]*User
	order []string // alias insertion order, for stable iteration
	m     *directoryMetrics
}

// New returns an empty, ready-to-use Directory. metricsPrefix names the
// VictoriaMetrics counters this directory registers; pass "" to use the
// default "msgrelay_directory" prefix.
func New(metricsPrefix string) *Directory {
	return &Directory{
		users: make(map[string]*User),
		m:     newDirectoryMetrics(metricsPrefix),
	}
}

// Init empties the directory, releasing all records and queues. It is
// provided for parity with the original server's explicit startup call;
// callers normally rely on a freshly constructed Directory instead.
func (d *Directory) Init() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = make(map[string]*User)
	d.order = nil
	d.m.observe("init", ResultOK)
	return ResultOK
}

// Register creates a new user record with status OFFLINE. ip/port are the
// advertised endpoint recorded at the most recent successful Connect; at
// register time they are the caller's peer address, a placeholder that
// Connect will overwrite.
func (d *Directory) Register(ip netip.Addr, port uint16, name, alias, birth string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !validPort(port) || !ip.Is4() {
		d.m.observe("register", ResultBadInputOrError)
		return ResultBadInputOrError
	}
	if _, ok := d.users[alias]; ok {
		d.m.observe("register", ResultNotFoundOrState)
		return ResultNotFoundOrState
	}
	d.users[alias] = &User{
		Alias: alias,
		Name:  name,
		Birth: birth,
		IP:    ip,
		Port:  port,
	}
	d.order = append(d.order, alias)
	d.m.observe("register", ResultOK)
	return ResultOK
}

// Unregister deletes a user record and releases its pending queue.
func (d *Directory) Unregister(alias string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[alias]; !ok {
		d.m.observe("unregister", ResultNotFoundOrState)
		return ResultNotFoundOrState
	}
	delete(d.users, alias)
	d.removeFromOrder(alias)
	d.m.observe("unregister", ResultOK)
	return ResultOK
}

// Connect marks alias ONLINE at the given advertised endpoint and returns
// a snapshot of its pending queue for the caller to flush. The queue is
// NOT cleared here; the caller must call DeleteMessage for each entry
// after a successful push.
func (d *Directory) Connect(ip netip.Addr, port uint16, alias string) (result int, pending []QueuedMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[alias]
	if !ok {
		d.m.observe("connect", ResultNotFoundOrState)
		return ResultNotFoundOrState, nil
	}
	if u.Online {
		d.m.observe("connect", ResultBadInputOrError)
		return ResultBadInputOrError, nil
	}
	u.IP, u.Port = ip, port
	u.Online = true
	d.m.observe("connect", ResultOK)
	return ResultOK, append([]QueuedMessage(nil), u.Pending...)
}

// Disconnect marks alias OFFLINE, provided ip matches the record's stored
// advertised IP (a soft identity check against the caller's peer address).
func (d *Directory) Disconnect(ip netip.Addr, alias string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[alias]
	if !ok {
		d.m.observe("disconnect", ResultNotFoundOrState)
		return ResultNotFoundOrState
	}
	if !u.Online {
		d.m.observe("disconnect", ResultBadInputOrError)
		return ResultBadInputOrError
	}
	if u.IP != ip {
		d.m.observe("disconnect", ResultIdentityMismatch)
		return ResultIdentityMismatch
	}
	u.Online = false
	d.m.observe("disconnect", ResultOK)
	return ResultOK
}

// ConnectedUsers lists the aliases currently ONLINE, in directory
// iteration order, including alias itself. alias must itself be ONLINE.
func (d *Directory) ConnectedUsers(alias string) (result int, aliases []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[alias]
	if !ok {
		d.m.observe("connected_users", ResultBadInputOrError)
		return ResultBadInputOrError, nil
	}
	if !u.Online {
		d.m.observe("connected_users", ResultNotFoundOrState)
		return ResultNotFoundOrState, nil
	}
	for _, a := range d.order {
		if d.users[a].Online {
			aliases = append(aliases, a)
		}
	}
	d.m.observe("connected_users", ResultOK)
	return ResultOK, aliases
}

// SendResult carries the outcome of Send.
type SendResult struct {
	Result int
	// RecipientIP and RecipientPort are set only when Result == ResultOK and
	// the recipient was ONLINE; MsgID is set whenever Result == ResultOK.
	RecipientIP   netip.Addr
	RecipientPort uint16
	MsgID         uint32
	// Stored reports whether the message was appended to the recipient's
	// pending queue (recipient OFFLINE) rather than pushed immediately.
	Stored bool
}

// Send stamps and routes a message from source to dest. If dest is
// ONLINE, the caller is responsible for pushing it; SendResult carries the
// recipient's advertised endpoint. If dest is OFFLINE, the message is
// appended to its pending queue and Stored is true.
//
// Any lookup miss on dest collapses to ResultBadInputOrError, matching the
// originally shipped server's observable behavior rather than its
// (never-produced) documented "not found" code.
func (d *Directory) Send(source, dest, body string) SendResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(body) > 255 {
		d.m.observe("send", ResultBadInputOrError)
		return SendResult{Result: ResultBadInputOrError}
	}
	src, ok := d.users[source]
	if !ok || !src.Online {
		d.m.observe("send", ResultBadInputOrError)
		return SendResult{Result: ResultBadInputOrError}
	}
	dst, ok := d.users[dest]
	if !ok {
		d.m.observe("send", ResultBadInputOrError)
		return SendResult{Result: ResultBadInputOrError}
	}

	src.NextMsgID = src.NextMsgID + 1 // wraps to 0 via uint32 overflow
	msgID := src.NextMsgID

	if dst.Online {
		d.m.observe("send", ResultOK)
		return SendResult{
			Result:        ResultOK,
			RecipientIP:   dst.IP,
			RecipientPort: dst.Port,
			MsgID:         msgID,
		}
	}

	dst.Pending = append(dst.Pending, QueuedMessage{
		Seq:         len(dst.Pending),
		MsgID:       msgID,
		SourceAlias: source,
		Body:        body,
	})
	d.m.observe("send", ResultOK)
	return SendResult{Result: ResultOK, MsgID: msgID, Stored: true}
}

// DeleteMessage removes the queued message at position seq (0-based, its
// current index in the queue) from alias's pending queue, called by the
// delivery component after a successful push. Remaining entries are
// reindexed so Seq stays a dense 0-based position.
func (d *Directory) DeleteMessage(alias string, seq int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[alias]
	if !ok || seq < 0 || seq >= len(u.Pending) {
		d.m.observe("delete_message", ResultNotFoundOrState)
		return ResultNotFoundOrState
	}
	u.Pending = append(u.Pending[:seq], u.Pending[seq+1:]...)
	for i := range u.Pending {
		u.Pending[i].Seq = i
	}
	d.m.observe("delete_message", ResultOK)
	return ResultOK
}

// Snapshot returns a read-only copy of every user record, for debugging
// and tests. It recovers the original server's display_users routine.
func (d *Directory) Snapshot() []UserSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]UserSnapshot, 0, len(d.order))
	for _, a := range d.order {
		u := d.users[a]
		out = append(out, UserSnapshot{
			Alias:     u.Alias,
			Name:      u.Name,
			Birth:     u.Birth,
			IP:        u.IP,
			Port:      u.Port,
			Online:    u.Online,
			NextMsgID: u.NextMsgID,
			Pending:   len(u.Pending),
		})
	}
	return out
}

// PendingSnapshot returns a read-only copy of alias's pending queue, for
// debugging and tests. It recovers the original server's
// display_pending_messages routine. ok is false if alias is not present.
func (d *Directory) PendingSnapshot(alias string) (msgs []QueuedMessage, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[alias]
	if !ok {
		return nil, false
	}
	return append([]QueuedMessage(nil), u.Pending...), true
}

func (d *Directory) removeFromOrder(alias string) {
	for i, a := range d.order {
		if a == alias {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func validPort(port uint16) bool {
	return port > 1024 // upper bound of 65535 is implicit in uint16
}
