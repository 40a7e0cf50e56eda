// Package conversation runs a single tenant's conversation: it pumps
// MAVLink v2 frames between one vehicle endpoint and up to eight
// engineer endpoints until either side goes idle or closes.
package conversation

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/ArduPilot/UDPProxy/internal/mavlink"
	"github.com/ArduPilot/UDPProxy/internal/metrics"
	"github.com/ArduPilot/UDPProxy/internal/netutil"
	"github.com/ArduPilot/UDPProxy/internal/store"
	"github.com/ArduPilot/UDPProxy/internal/wsrelay"
)

// MaxEngineerSlots bounds the number of simultaneous engineer-side
// endpoints a conversation will serve (one UDP peer, or several TCP
// peers, sharing the same slot array).
const MaxEngineerSlots = 8

const (
	idleTimeout = 10 * time.Second
	pollTimeout = 10 * time.Second
)

// statusShutdown is used locally when the worker exits because the
// supervisor is shutting down, not because either side went idle.
const statusShutdown = "shutdown"

// Sockets are the four listening/bound sockets a tenant owns. A worker
// takes exclusive ownership of all four for the duration of one
// conversation and closes every one of them before returning, mirroring
// the original relay's fork-per-conversation handoff: the supervisor
// always reopens a fresh set once the worker signals completion.
type Sockets struct {
	UDP1 *net.UDPConn
	UDP2 *net.UDPConn
	TCP1 *net.TCPListener
	TCP2 *net.TCPListener
}

// Params bundles everything a conversation needs to run.
type Params struct {
	Port1     int32
	Port2     int32
	Sockets   Sockets
	DB        *store.DB
	Metrics   *metrics.Metrics
	TLSConfig *tls.Config // nil disables the TLS-WebSocket variant
	Logger    *slog.Logger
}

// engineerSlot holds the state for one occupied engineer endpoint.
type engineerSlot struct {
	active  bool
	isUDP   bool
	udpPeer *net.UDPAddr

	// pollConn is the original accepted net.Conn for a TCP slot; its fd
	// never changes for the slot's lifetime and is always what gets
	// polled, even after the data path below is wrapped in TLS/WebSocket.
	pollConn net.Conn

	wsChecked bool
	ws        *wsrelay.Conn
	reader    io.Reader
	writer    io.Writer

	link *mavlink.Link
}

// worker holds all mutable state for one running conversation.
type worker struct {
	p      Params
	logger *slog.Logger

	haveConn1      bool
	vehicleUDP     bool
	vehicleUDPPeer *net.UDPAddr
	vehicleConn    net.Conn
	vehicleLink    *mavlink.Link

	slots                 [MaxEngineerSlots]engineerSlot
	slotCount             int
	engineerEverConnected bool

	lastPkt1 time.Time
	lastPkt2 time.Time
	count1   uint32
	count2   uint32
}

// Run executes one conversation to completion. It always closes every
// socket in p.Sockets (and any connections accepted from them) before
// returning, and returns the status the conversation ended with, one of
// metrics.StatusIdleTimeout, metrics.StatusVehicleClosed,
// metrics.StatusEngineerClosed, metrics.StatusError, or "shutdown".
func Run(ctx context.Context, p Params) string {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &worker{p: p, logger: logger.With("port2", p.Port2)}

	w.p.Metrics.ConversationStarted(w.portLabel())
	status := w.loop(ctx)
	w.saveCounters()
	w.closeAll()
	w.p.Metrics.ConversationEnded(w.portLabel(), status)
	return status
}

func (w *worker) portLabel() string {
	return strconv.Itoa(int(w.p.Port2))
}

// pollSource identifies what a ready poll index refers to.
type pollSource struct {
	kind string // "udp1","udp2","tcp1-listen","tcp1-stream","tcp2-listen","slot"
	slot int
}

func (w *worker) loop(ctx context.Context) string {
	for {
		if ctx.Err() != nil {
			return statusShutdown
		}

		fds, sources := w.buildPollSet()
		ready, err := netutil.Poll(fds, pollTimeout)
		if err != nil {
			w.logger.Error("poll failed", "error", err)
			return metrics.StatusError
		}

		now := netutil.Now()
		if w.haveConn1 && now.Sub(w.lastPkt1) > idleTimeout {
			return metrics.StatusIdleTimeout
		}
		if w.slotCount > 0 && now.Sub(w.lastPkt2) > idleTimeout {
			return metrics.StatusIdleTimeout
		}

		for _, idx := range ready {
			if status := w.handleEvent(sources[idx], now); status != "" {
				return status
			}
		}
	}
}

func (w *worker) buildPollSet() ([]int, []pollSource) {
	var fds []int
	var sources []pollSource

	add := func(raw any, src pollSource) {
		sc, ok := raw.(syscall.Conn)
		if !ok {
			return
		}
		fd, err := netutil.FD(sc)
		if err != nil {
			w.logger.Warn("fd lookup failed", "source", src.kind, "error", err)
			return
		}
		fds = append(fds, fd)
		sources = append(sources, src)
	}

	switch {
	case !w.haveConn1:
		if w.p.Sockets.UDP1 != nil {
			add(w.p.Sockets.UDP1, pollSource{kind: "udp1"})
		}
		if w.p.Sockets.TCP1 != nil {
			add(w.p.Sockets.TCP1, pollSource{kind: "tcp1-listen"})
		}
	case w.vehicleUDP:
		add(w.p.Sockets.UDP1, pollSource{kind: "udp1"})
	default:
		add(w.vehicleConn, pollSource{kind: "tcp1-stream"})
	}

	if w.p.Sockets.UDP2 != nil {
		add(w.p.Sockets.UDP2, pollSource{kind: "udp2"})
	}
	if w.p.Sockets.TCP2 != nil {
		add(w.p.Sockets.TCP2, pollSource{kind: "tcp2-listen"})
	}
	for i := range w.slots {
		if w.slots[i].active && !w.slots[i].isUDP {
			add(w.slots[i].pollConn, pollSource{kind: "slot", slot: i})
		}
	}

	return fds, sources
}

func (w *worker) handleEvent(src pollSource, now time.Time) string {
	switch src.kind {
	case "udp1":
		return w.onUDP1Readable(now)
	case "tcp1-listen":
		return w.onTCP1Accept(now)
	case "tcp1-stream":
		return w.onVehicleStreamReadable(now)
	case "udp2":
		return w.onUDP2Readable(now)
	case "tcp2-listen":
		return w.onTCP2Accept(now)
	case "slot":
		return w.onSlotReadable(src.slot, now)
	default:
		return ""
	}
}

// --- vehicle side (side 1) ---

func (w *worker) onUDP1Readable(now time.Time) string {
	buf := make([]byte, 2048)
	n, addr, err := w.p.Sockets.UDP1.ReadFromUDP(buf)
	if err != nil {
		w.logger.Warn("udp1 read failed", "error", err)
		return ""
	}
	if !w.haveConn1 {
		w.bindVehicleUDP(addr)
	}
	w.lastPkt1 = now
	w.count1++
	w.p.Metrics.AddBytes(w.portLabel(), metrics.SideVehicle, metrics.DirectionRx, n)

	for _, ev := range w.vehicleLink.Feed(buf[:n], now) {
		if ev.Accepted {
			w.broadcastToEngineer(ev.Frame, now)
		}
	}
	return w.maybeEngineerClosed()
}

func (w *worker) bindVehicleUDP(addr *net.UDPAddr) {
	if w.p.Sockets.TCP1 != nil {
		_ = w.p.Sockets.TCP1.Close()
		w.p.Sockets.TCP1 = nil
	}
	w.haveConn1 = true
	w.vehicleUDP = true
	w.vehicleUDPPeer = addr
	w.vehicleLink = mavlink.NewLink(w.p.DB, -1, mavlink.ChanComm1)
}

func (w *worker) onTCP1Accept(now time.Time) string {
	ln := w.p.Sockets.TCP1
	conn, err := ln.Accept()
	if err != nil {
		w.logger.Warn("tcp1 accept failed", "error", err)
		return ""
	}
	if w.haveConn1 {
		_ = conn.Close()
		return ""
	}
	netutil.SetTCPNoDelay(conn)

	_ = ln.Close()
	w.p.Sockets.TCP1 = nil
	if w.p.Sockets.UDP1 != nil {
		_ = w.p.Sockets.UDP1.Close()
		w.p.Sockets.UDP1 = nil
	}

	w.haveConn1 = true
	w.vehicleUDP = false
	w.vehicleConn = conn
	w.vehicleLink = mavlink.NewLink(w.p.DB, -1, mavlink.ChanComm1)
	w.lastPkt1 = now
	return ""
}

func (w *worker) onVehicleStreamReadable(now time.Time) string {
	buf := make([]byte, 4096)
	n, err := w.vehicleConn.Read(buf)
	if n > 0 {
		w.lastPkt1 = now
		w.count1++
		w.p.Metrics.AddBytes(w.portLabel(), metrics.SideVehicle, metrics.DirectionRx, n)
		for _, ev := range w.vehicleLink.Feed(buf[:n], now) {
			if ev.Accepted {
				w.broadcastToEngineer(ev.Frame, now)
			}
		}
	}
	if err != nil {
		return metrics.StatusVehicleClosed
	}
	return w.maybeEngineerClosed()
}

func (w *worker) writeToVehicle(data []byte) error {
	var err error
	if w.vehicleUDP {
		_, err = w.p.Sockets.UDP1.WriteToUDP(data, w.vehicleUDPPeer)
	} else {
		_, err = w.vehicleConn.Write(data)
	}
	if err == nil {
		w.p.Metrics.AddBytes(w.portLabel(), metrics.SideVehicle, metrics.DirectionTx, len(data))
	}
	return err
}

// broadcastToEngineer forwards a frame accepted from the vehicle to
// every occupied engineer slot, closing any slot whose send fails.
func (w *worker) broadcastToEngineer(f *mavlink.Frame, now time.Time) {
	for i := range w.slots {
		if !w.slots[i].active {
			continue
		}
		ok, out := w.slots[i].link.Send(f, now)
		if !ok {
			w.closeSlot(i)
			continue
		}
		if out == nil {
			continue
		}
		if err := w.writeToSlot(i, out); err != nil {
			w.closeSlot(i)
		}
	}
}

// --- engineer side (side 2) ---

func (w *worker) onUDP2Readable(now time.Time) string {
	buf := make([]byte, 2048)
	n, addr, err := w.p.Sockets.UDP2.ReadFromUDP(buf)
	if err != nil {
		w.logger.Warn("udp2 read failed", "error", err)
		return ""
	}
	if !w.slots[0].active || !w.slots[0].isUDP {
		w.bindEngineerUDP(addr)
	}
	w.lastPkt2 = now
	w.count2++
	w.p.Metrics.AddBytes(w.portLabel(), metrics.SideEngineer, metrics.DirectionRx, n)
	return w.onEngineerData(0, buf[:n], now)
}

func (w *worker) bindEngineerUDP(addr *net.UDPAddr) {
	if w.p.Sockets.TCP2 != nil {
		_ = w.p.Sockets.TCP2.Close()
		w.p.Sockets.TCP2 = nil
	}
	w.slots[0] = engineerSlot{
		active:  true,
		isUDP:   true,
		udpPeer: addr,
		link:    mavlink.NewLink(w.p.DB, w.p.Port2, mavlink.ChanComm2(0)),
	}
	w.slotCount = 1
	w.engineerEverConnected = true
	w.p.Metrics.SetEngineerSlots(w.portLabel(), w.slotCount)
}

func (w *worker) onTCP2Accept(now time.Time) string {
	conn, err := w.p.Sockets.TCP2.Accept()
	if err != nil {
		w.logger.Warn("tcp2 accept failed", "error", err)
		return ""
	}
	if w.slots[0].active && w.slots[0].isUDP {
		_ = conn.Close()
		return ""
	}
	idx := w.freeSlot()
	if idx < 0 {
		_ = conn.Close()
		return ""
	}
	netutil.SetTCPNoDelay(conn)
	if w.p.Sockets.UDP2 != nil {
		_ = w.p.Sockets.UDP2.Close()
		w.p.Sockets.UDP2 = nil
	}

	w.slots[idx] = engineerSlot{
		active:   true,
		pollConn: conn,
		writer:   conn,
		link:     mavlink.NewLink(w.p.DB, w.p.Port2, mavlink.ChanComm2(idx)),
	}
	w.slotCount++
	w.engineerEverConnected = true
	w.lastPkt2 = now
	w.p.Metrics.SetEngineerSlots(w.portLabel(), w.slotCount)
	return ""
}

func (w *worker) freeSlot() int {
	for i := 0; i < MaxEngineerSlots; i++ {
		if !w.slots[i].active {
			return i
		}
	}
	return -1
}

func (w *worker) onSlotReadable(slotIdx int, now time.Time) string {
	slot := &w.slots[slotIdx]
	if !slot.wsChecked {
		slot.wsChecked = true
		if err := w.upgradeSlotTransport(slotIdx); err != nil {
			w.logger.Warn("websocket/tls handshake failed", "slot", slotIdx, "error", err)
			w.closeSlot(slotIdx)
			return w.maybeEngineerClosed()
		}
	}

	var data []byte
	var err error
	if slot.ws != nil {
		data, err = slot.ws.Recv()
	} else {
		buf := make([]byte, 4096)
		var n int
		n, err = slot.reader.Read(buf)
		data = buf[:n]
	}

	if len(data) > 0 {
		w.lastPkt2 = now
		w.count2++
		w.p.Metrics.AddBytes(w.portLabel(), metrics.SideEngineer, metrics.DirectionRx, len(data))
		if status := w.onEngineerData(slotIdx, data, now); status != "" {
			return status
		}
	}
	if err != nil {
		w.closeSlot(slotIdx)
		return w.maybeEngineerClosed()
	}
	return ""
}

// upgradeSlotTransport sniffs a freshly-accepted engineer TCP slot and,
// if it is a WebSocket (optionally TLS-wrapped) connection, installs the
// adapter that replaces the raw byte-stream data path.
func (w *worker) upgradeSlotTransport(slotIdx int) error {
	slot := &w.slots[slotIdx]
	transport, wrapped, err := wsrelay.Detect(slot.pollConn)
	if err != nil {
		return err
	}

	switch transport {
	case wsrelay.TransportTLS:
		if w.p.TLSConfig == nil {
			return fmt.Errorf("conversation: TLS connection received but no TLS certificate is configured")
		}
		tlsConn := tls.Server(wrapped, w.p.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("conversation: TLS handshake: %w", err)
		}
		ws, err := wsrelay.Accept(tlsConn, nil)
		if err != nil {
			return fmt.Errorf("conversation: websocket handshake over TLS: %w", err)
		}
		slot.ws = ws
	case wsrelay.TransportWebSocket:
		ws, err := wsrelay.Accept(wrapped, nil)
		if err != nil {
			return fmt.Errorf("conversation: websocket handshake: %w", err)
		}
		slot.ws = ws
	default:
		slot.reader = wrapped
		slot.writer = wrapped
	}
	return nil
}

// onEngineerData admits each frame decoded from an engineer slot's
// stream: rejected frames generate a STATUSTEXT reply to that same slot,
// accepted frames forward to the vehicle link.
func (w *worker) onEngineerData(slotIdx int, data []byte, now time.Time) string {
	slot := &w.slots[slotIdx]
	for _, ev := range slot.link.Feed(data, now) {
		if ev.Statustext != nil {
			if err := w.writeToSlot(slotIdx, ev.Statustext); err != nil {
				w.closeSlot(slotIdx)
				return w.maybeEngineerClosed()
			}
		}
		if !ev.Accepted {
			if ev.Reason != "" {
				w.p.Metrics.RejectSignature(w.portLabel(), ev.Reason)
			}
			continue
		}
		if !w.haveConn1 {
			continue
		}
		ok, out := w.vehicleLink.Send(ev.Frame, now)
		if !ok {
			return metrics.StatusError
		}
		if out == nil {
			continue
		}
		if err := w.writeToVehicle(out); err != nil {
			return metrics.StatusVehicleClosed
		}
	}
	return ""
}

func (w *worker) writeToSlot(slotIdx int, data []byte) error {
	slot := &w.slots[slotIdx]
	var err error
	switch {
	case slot.isUDP:
		_, err = w.p.Sockets.UDP2.WriteToUDP(data, slot.udpPeer)
	case slot.ws != nil:
		err = slot.ws.Send(data)
	default:
		_, err = slot.writer.Write(data)
	}
	if err == nil {
		w.p.Metrics.AddBytes(w.portLabel(), metrics.SideEngineer, metrics.DirectionTx, len(data))
	}
	return err
}

// closeSlot retires an engineer slot. A UDP slot is merely unbound (the
// shared socket stays open for a future peer); TCP/WebSocket slots close
// their connection outright.
func (w *worker) closeSlot(i int) {
	slot := &w.slots[i]
	if !slot.active {
		return
	}
	switch {
	case slot.isUDP:
	case slot.ws != nil:
		_ = slot.ws.Close()
	case slot.pollConn != nil:
		_ = slot.pollConn.Close()
	}
	w.slots[i] = engineerSlot{}
	w.slotCount--
	w.p.Metrics.SetEngineerSlots(w.portLabel(), w.slotCount)
}

// maybeEngineerClosed reports StatusEngineerClosed when a previously
// nonzero engineer slot count has just dropped to zero, the signal that
// the last engineer connection hung up or failed.
func (w *worker) maybeEngineerClosed() string {
	if w.engineerEverConnected && w.slotCount == 0 {
		return metrics.StatusEngineerClosed
	}
	return ""
}

// saveCounters commits count1/count2/connections to the tenant record
// if anything was actually relayed, otherwise it leaves the record
// untouched.
func (w *worker) saveCounters() {
	if w.count1 == 0 && w.count2 == 0 {
		return
	}
	tx, err := w.p.DB.Begin()
	if err != nil {
		w.logger.Warn("begin counter transaction failed", "error", err)
		return
	}
	rec, err := tx.Fetch(w.p.Port2)
	if err != nil {
		_ = tx.Cancel()
		w.logger.Warn("fetch record for counter update failed", "error", err)
		return
	}
	rec.Count1 += w.count1
	rec.Count2 += w.count2
	rec.Connections++
	if err := tx.Save(w.p.Port2, rec); err != nil {
		_ = tx.Cancel()
		w.logger.Warn("save counters failed", "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		w.logger.Warn("commit counters failed", "error", err)
	}
}

// closeAll closes every socket and connection the worker was given or
// accepted, regardless of which side "won" any UDP/TCP exclusivity
// race, so the supervisor always reopens a clean set for the next
// conversation.
func (w *worker) closeAll() {
	if w.p.Sockets.UDP1 != nil {
		_ = w.p.Sockets.UDP1.Close()
	}
	if w.p.Sockets.UDP2 != nil {
		_ = w.p.Sockets.UDP2.Close()
	}
	if w.p.Sockets.TCP1 != nil {
		_ = w.p.Sockets.TCP1.Close()
	}
	if w.p.Sockets.TCP2 != nil {
		_ = w.p.Sockets.TCP2.Close()
	}
	if w.vehicleConn != nil {
		_ = w.vehicleConn.Close()
	}
	for i := range w.slots {
		if !w.slots[i].active {
			continue
		}
		if w.slots[i].ws != nil {
			_ = w.slots[i].ws.Close()
		} else if w.slots[i].pollConn != nil {
			_ = w.slots[i].pollConn.Close()
		}
	}
}
