// Package proto implements the subset of the MySQL classic protocol the
// router needs: packet framing with sequence ids, OK/ERR/EOF messages,
// the initial handshake, and text-resultset decoding.
package proto

// Command bytes (COM_*).
const (
	ComQuit            byte = 0x01
	ComInitDB          byte = 0x02
	ComQuery           byte = 0x03
	ComFieldList       byte = 0x04
	ComPing            byte = 0x0e
	ComChangeUser      byte = 0x11
	ComStmtPrepare     byte = 0x16
	ComSetOption       byte = 0x1b
	ComResetConnection byte = 0x1f
)

// Capability flags from the protocol handshake.
const (
	CapLongPassword               uint32 = 0x00000001
	CapFoundRows                  uint32 = 0x00000002
	CapLongFlag                   uint32 = 0x00000004
	CapConnectWithDB              uint32 = 0x00000008
	CapProtocol41                 uint32 = 0x00000200
	CapTransactions               uint32 = 0x00002000
	CapSecureConnection           uint32 = 0x00008000
	CapMultiStatements            uint32 = 0x00010000
	CapMultiResults               uint32 = 0x00020000
	CapPluginAuth                 uint32 = 0x00080000
	CapConnectAttrs               uint32 = 0x00100000
	CapPluginAuthLenencClientData uint32 = 0x00200000
	CapSessionTrack               uint32 = 0x00800000
	CapDeprecateEOF               uint32 = 0x01000000
)

// Server status flags carried in OK and EOF packets.
const (
	StatusInTrans             uint16 = 0x0001
	StatusAutocommit          uint16 = 0x0002
	StatusMoreResults         uint16 = 0x0008
	StatusSessionStateChanged uint16 = 0x4000
)

// COM_SET_OPTION operation codes.
const (
	OptionMultiStatementsOn  uint16 = 0
	OptionMultiStatementsOff uint16 = 1
)

// Packet type sentinels (first payload byte).
const (
	okHeader  byte = 0x00
	errHeader byte = 0xff
	eofHeader byte = 0xfe
	nullField byte = 0xfb
)

// NoPriorPacket is the sequence-id sentinel meaning no packet has been
// exchanged yet; the next packet written starts a new command at seq 0.
const NoPriorPacket byte = 0xff
