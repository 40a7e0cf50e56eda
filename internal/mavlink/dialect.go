package mavlink

// The link engine only needs to interpret three messages: HEARTBEAT (to
// capture the addressee for STATUSTEXT and to allow it through before
// authentication), STATUSTEXT (which it synthesizes itself), and
// SETUP_SIGNING (which it consumes to re-key a tenant). Every other
// message ID is treated as opaque payload and forwarded with its
// original checksum untouched — the engine never needs to recompute a
// CRC it cannot look up.
const (
	MsgIDHeartbeat    uint32 = 0
	MsgIDStatustext   uint32 = 253
	MsgIDSetupSigning uint32 = 256
)

// dialectEntry describes the fields of the generated-codec table the
// engine needs for a message it actively constructs or inspects: the
// CRC_EXTRA seed byte and the non-extension payload length.
type dialectEntry struct {
	crcExtra byte
	minLen   uint8
	maxLen   uint8
}

var dialect = map[uint32]dialectEntry{
	MsgIDHeartbeat:    {crcExtra: 50, minLen: 9, maxLen: 9},
	MsgIDStatustext:   {crcExtra: 83, minLen: 51, maxLen: 54},
	MsgIDSetupSigning: {crcExtra: 71, minLen: 42, maxLen: 42},
}

// crcExtraFor returns the CRC_EXTRA seed for a known message ID and
// whether the ID is known to the curated dialect table.
func crcExtraFor(msgID uint32) (byte, bool) {
	e, ok := dialect[msgID]
	if !ok {
		return 0, false
	}
	return e.crcExtra, true
}

// StatustextSeverity mirrors the MAV_SEVERITY enum values STATUSTEXT
// carries, restricted to the ones the link engine emits.
type StatustextSeverity uint8

const (
	SeverityCritical StatustextSeverity = 2
	SeverityError    StatustextSeverity = 3
	SeverityWarning  StatustextSeverity = 4
)

// ChanStatustext is the channel number reserved for STATUSTEXT frames.
// Nothing in this package sends on it: buildStatustext finalizes
// STATUSTEXT frames unsigned without a channel.
const ChanStatustext = 255

// ChanComm1 is the vehicle-side link channel. It is never signed, so the
// link_id it feeds into outgoing signatures is never exercised.
const ChanComm1 = 0

// ChanComm2 maps an engineer-side slot index (0..MaxEngineerSlots-1) to
// the MAVLink link_id used to tag that slot's outgoing signatures, so a
// ground station sees a distinct signing stream per engineer connection.
func ChanComm2(slot int) uint8 {
	return uint8(1 + slot)
}
