package mavlink

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ArduPilot/UDPProxy/internal/store"
)

// epochOffset is 2015-01-01 00:00:00 UTC, the origin MAVLink signing
// timestamps count 10-microsecond units from.
const epochOffset = 1420070400

// initialTimestampGuard is added (in 10us units) to a freshly loaded
// key's stored timestamp, a 15s gap that exceeds the 10s save rate
// limit, so a restart never reuses a timestamp issued after the last
// save of the previous run.
const initialTimestampGuard = 15 * 100_000

const maxSigningStreams = 4

const signingSaveInterval = 10 * time.Second
const warningInterval = 2 * time.Second

// wallClockTimestamp converts t to a MAVLink signing timestamp.
func wallClockTimestamp(t time.Time) uint64 {
	sec := t.Unix()
	if sec <= epochOffset {
		return 0
	}
	return uint64(sec-epochOffset) * 100_000
}

// Link is one endpoint of a conversation: either the unsigned vehicle
// side (signingRequired == false) or a signed engineer side bound to a
// tenant's secret key. It owns a Parser for the byte stream or sequence
// of datagrams it is fed, and carries all signing state for that stream.
type Link struct {
	db              *store.DB
	port2           int32
	channel         uint8
	signingRequired bool

	key       store.Record
	keyLoaded bool

	gotSignedPacket bool
	lastSysID       uint8
	lastCompID      uint8

	timestamp   uint64 // signing clock watermark, used to stamp outgoing frames
	streams     map[uint8]uint64
	badSigCount int
	lastSaveAt  time.Time
	lastWarnAt  time.Time

	parser Parser
}

// NewLink constructs a Link. port2 selects the tenant whose key this
// link authenticates against; pass -1 for the unsigned vehicle side.
func NewLink(db *store.DB, port2 int32, channel uint8) *Link {
	l := &Link{
		db:              db,
		port2:           port2,
		channel:         channel,
		signingRequired: port2 >= 0,
		streams:         map[uint8]uint64{},
	}
	if l.signingRequired {
		l.loadKey()
	}
	return l
}

func (l *Link) loadKey() {
	rec, err := l.db.Fetch(l.port2)
	if err != nil || !rec.Valid() || rec.SigningDisabled() {
		l.keyLoaded = false
		return
	}
	l.key = rec
	l.keyLoaded = true
	l.timestamp = rec.Timestamp + initialTimestampGuard
}

// ReceiveEvent describes the outcome of admitting one parsed frame.
type ReceiveEvent struct {
	Frame      *Frame
	Accepted   bool
	Reason     string // set when !Accepted: "key_not_loaded","unsigned","bad_signature","replay","old_timestamp","no_streams","too_many_streams","setup_signing"
	Statustext []byte // finalized STATUSTEXT frame to send back on this link, nil if none
}

// Feed appends newly read bytes and returns the admissibility outcome
// for every complete frame the new data made available.
func (l *Link) Feed(data []byte, now time.Time) []ReceiveEvent {
	l.parser.Feed(data)
	var events []ReceiveEvent
	for {
		f, ok := l.parser.Next()
		if !ok {
			return events
		}
		events = append(events, l.admit(f, now))
	}
}

func (l *Link) admit(f *Frame, now time.Time) ReceiveEvent {
	if !l.signingRequired {
		if f.MsgID == MsgIDHeartbeat {
			l.lastSysID, l.lastCompID = f.SysID, f.CompID
		}
		return ReceiveEvent{Frame: f, Accepted: true}
	}

	if !l.keyLoaded {
		return ReceiveEvent{Frame: f, Reason: "key_not_loaded",
			Statustext: l.warn(now, SeverityCritical, "Need to setup support signing key")}
	}
	if !f.Signed() {
		l.gotSignedPacket = false
		return ReceiveEvent{Frame: f, Reason: "unsigned",
			Statustext: l.warn(now, SeverityCritical, "Need to use support signing key")}
	}

	accept, reason := l.verify(f)
	if !accept {
		l.gotSignedPacket = false
		l.badSigCount++
		ev := ReceiveEvent{Frame: f, Reason: reason}
		if l.badSigCount > 2 {
			ev.Statustext = l.warn(now, SeverityCritical, statustextForReason(reason))
		}
		return ev
	}

	l.gotSignedPacket = true
	l.badSigCount = 0
	if f.Signature.Timestamp > l.timestamp {
		l.timestamp = f.Signature.Timestamp
	}

	if f.MsgID == MsgIDHeartbeat {
		l.lastSysID, l.lastCompID = f.SysID, f.CompID
	}
	if f.MsgID == MsgIDSetupSigning {
		l.handleSetupSigning(f)
		return ReceiveEvent{Frame: f, Reason: "setup_signing"}
	}

	return ReceiveEvent{Frame: f, Accepted: true}
}

// verify checks the frame's signature and replay status against the
// per-link_id stream table, without mutating got_signed_packet/badSigCount
// (the caller does that based on the outcome). It distinguishes, as the
// reference signing implementation does, a link with no stream table at
// all (no_streams) from one whose table is full of other link_ids
// (too_many_streams).
func (l *Link) verify(f *Frame) (bool, string) {
	if !verifySignature(l.key.SecretKey, f) {
		return false, "bad_signature"
	}
	if l.streams == nil {
		return false, "no_streams"
	}
	linkID := f.Signature.LinkID
	last, known := l.streams[linkID]
	if !known && len(l.streams) >= maxSigningStreams {
		return false, "too_many_streams"
	}
	switch {
	case f.Signature.Timestamp == last:
		return false, "replay"
	case f.Signature.Timestamp < last:
		return false, "old_timestamp"
	}
	l.streams[linkID] = f.Signature.Timestamp
	return true, ""
}

func statustextForReason(reason string) string {
	switch reason {
	case "bad_signature":
		return "Bad signature"
	case "replay":
		return "Signature replay"
	case "old_timestamp":
		return "Signature timestamp too old"
	case "no_streams":
		return "No signing streams"
	case "too_many_streams":
		return "Too many signing streams"
	default:
		return "Signature rejected"
	}
}

// handleSetupSigning applies a verified SETUP_SIGNING frame: it re-keys
// the tenant record and forces the peer to re-authenticate. The payload
// layout is initial_timestamp (uint64), secret_key ([32]byte),
// target_system (uint8), target_component (uint8) — the SETUP_SIGNING
// message's fields sorted by MAVLink's size-descending field ordering.
func (l *Link) handleSetupSigning(f *Frame) {
	if len(f.Payload) < 42 {
		return
	}
	initialTimestamp := binary.LittleEndian.Uint64(f.Payload[0:8])
	var secretKey [32]byte
	copy(secretKey[:], f.Payload[8:40])

	tx, err := l.db.Begin()
	if err != nil {
		return
	}
	rec, err := tx.Fetch(l.port2)
	if err != nil {
		rec = store.Record{}
	}
	rec.Magic = store.RecordMagic
	rec.Timestamp = initialTimestamp
	rec.SecretKey = secretKey
	if err := tx.Save(l.port2, rec); err != nil {
		_ = tx.Cancel()
		return
	}
	if err := tx.Commit(); err != nil {
		return
	}

	l.key = rec
	l.keyLoaded = true
	l.gotSignedPacket = false
	l.timestamp = initialTimestamp + initialTimestampGuard
	l.streams = map[uint8]uint64{}
}

// warn returns a finalized, unsigned STATUSTEXT frame addressed to the
// last-seen (sysid, compid), rate-limited to once per warningInterval.
// Returns nil when rate-limited; before any HEARTBEAT has been seen the
// frame is addressed to (0, 0).
func (l *Link) warn(now time.Time, severity StatustextSeverity, text string) []byte {
	if now.Sub(l.lastWarnAt) < warningInterval {
		return nil
	}
	l.lastWarnAt = now
	return buildStatustext(l.lastSysID, l.lastCompID, severity, text)
}

// buildStatustext constructs and finalizes an unsigned STATUSTEXT frame,
// so a peer that rejects unsigned traffic elsewhere still receives
// operator diagnostics.
func buildStatustext(sysid, compid uint8, severity StatustextSeverity, text string) []byte {
	payload := make([]byte, 54)
	payload[0] = byte(severity)
	n := copy(payload[1:51], text)
	_ = n
	// id (uint16) and chunk_seq (uint8) extension fields default to zero.

	f := &Frame{
		SysID:   sysid,
		CompID:  compid,
		MsgID:   MsgIDStatustext,
		Payload: payload,
	}
	if err := Finalize(f, 0, nil); err != nil {
		return nil
	}
	return f.Raw
}

// Send finalizes and, if this link requires signing, signs a frame for
// transmission. The outgoing sequence number is aligned to f.Seq (the
// sequence number the sender originally stamped the frame with), not a
// counter local to this link, so that a peer multiplexing several
// sysids through one link can still track per-sender loss independently.
// HEARTBEAT is special-cased: it is always forwarded, and while the peer
// has not yet proven itself with a good signature it is sent raw and
// unsigned (so the peer's ground station keeps seeing a heartbeat while
// it works out signing). Every other message is swallowed (reported as
// ok with no bytes) until the peer authenticates.
func (l *Link) Send(f *Frame, now time.Time) (ok bool, out []byte) {
	if f.MsgID == MsgIDHeartbeat {
		l.lastSysID, l.lastCompID = f.SysID, f.CompID
		if l.signingRequired && !l.gotSignedPacket {
			f.IncompatFlags &^= IncompatSigned
			if err := Finalize(f, f.Seq, nil); err != nil {
				return false, nil
			}
			return true, f.Raw
		}
	} else if l.signingRequired && !l.gotSignedPacket {
		return true, nil
	}

	if !l.signingRequired {
		f.IncompatFlags &^= IncompatSigned
		if err := Finalize(f, f.Seq, nil); err != nil {
			return false, nil
		}
		return true, f.Raw
	}

	l.advanceTimestamp(now)
	l.timestamp++
	signCtx := &SignContext{Key: l.key.SecretKey, LinkID: l.channel, Timestamp: l.timestamp}
	if err := Finalize(f, f.Seq, signCtx); err != nil {
		return false, nil
	}
	return true, f.Raw
}

// advanceTimestamp raises the signing watermark to the wall clock if
// that is newer, and — rate limited to once per signingSaveInterval —
// persists it in a detached transaction so the hot loop never blocks on
// store I/O.
func (l *Link) advanceTimestamp(now time.Time) {
	if !l.keyLoaded {
		return
	}
	if wc := wallClockTimestamp(now); wc > l.timestamp {
		l.timestamp = wc
	}
	if now.Sub(l.lastSaveAt) < signingSaveInterval {
		return
	}
	l.lastSaveAt = now
	l.saveTimestampAsync(l.timestamp)
}

func (l *Link) saveTimestampAsync(ts uint64) {
	db := l.db
	port2 := l.port2
	go func() {
		tx, err := db.Begin()
		if err != nil {
			return
		}
		rec, err := tx.Fetch(port2)
		if err != nil {
			_ = tx.Cancel()
			return
		}
		if ts <= rec.Timestamp {
			_ = tx.Cancel()
			return
		}
		rec.Timestamp = ts
		if err := tx.Save(port2, rec); err != nil {
			_ = tx.Cancel()
			return
		}
		_ = tx.Commit()
	}()
}

// GotSignedPacket reports whether the peer on this link has presented a
// valid signature at least once.
func (l *Link) GotSignedPacket() bool {
	return l.gotSignedPacket
}

// String is for log lines.
func (l *Link) String() string {
	return fmt.Sprintf("link(chan=%d port2=%d signed=%v)", l.channel, l.port2, l.signingRequired)
}
