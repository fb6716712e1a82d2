package proto

// Session-state types carried in the session-state-info block of an
// OK_Packet when SESSION_TRACK is negotiated.
const (
	SessionTrackSystemVariables            byte = 0x00
	SessionTrackSchema                     byte = 0x01
	SessionTrackStateChange                byte = 0x02
	SessionTrackGtids                      byte = 0x03
	SessionTrackTransactionCharacteristics byte = 0x04
	SessionTrackTransactionState           byte = 0x05
)

// SessionStateChange is one tracker entry from an OK packet.
type SessionStateChange struct {
	Type byte
	// Name is set for system-variable changes.
	Name string
	// Value is the changed value: variable value, schema name, GTID set,
	// or transaction characteristics/state, depending on Type.
	Value string
}

// ParseSessionState decodes the session-state-info block of an OK
// packet. Unknown entry types are skipped.
func ParseSessionState(data []byte) []SessionStateChange {
	// the block starts with its own total length
	total, n := readLenEncInt(data, 0)
	if n == 0 {
		return nil
	}
	pos := n
	end := pos + int(total)
	if end > len(data) {
		end = len(data)
	}

	var changes []SessionStateChange
	for pos < end {
		typ := data[pos]
		pos++

		length, n := readLenEncInt(data, pos)
		if n == 0 {
			break
		}
		pos += n
		entryEnd := pos + int(length)
		if entryEnd > end {
			break
		}

		switch typ {
		case SessionTrackSystemVariables:
			p := pos
			for p < entryEnd {
				name, n := readLenEncString(data, p)
				if n == 0 {
					break
				}
				p += n
				value, n := readLenEncString(data, p)
				if n == 0 {
					break
				}
				p += n
				changes = append(changes, SessionStateChange{
					Type: typ, Name: name, Value: value,
				})
			}

		case SessionTrackSchema,
			SessionTrackGtids,
			SessionTrackTransactionCharacteristics,
			SessionTrackTransactionState:
			p := pos
			if typ == SessionTrackGtids {
				p++ // encoding spec byte, always 0
			}
			value, n := readLenEncString(data, p)
			if n != 0 {
				changes = append(changes, SessionStateChange{Type: typ, Value: value})
			}

		case SessionTrackStateChange:
			value, n := readLenEncString(data, pos)
			if n != 0 {
				changes = append(changes, SessionStateChange{Type: typ, Value: value})
			}
		}

		pos = entryEnd
	}
	return changes
}

// ParseHandshakeResponse decodes a HandshakeResponse41 payload.
func ParseHandshakeResponse(payload []byte) (*HandshakeResponse, error) {
	if len(payload) < 32 {
		return nil, errTooShort
	}

	r := &HandshakeResponse{}
	r.Capabilities = uint32(payload[0]) | uint32(payload[1])<<8 |
		uint32(payload[2])<<16 | uint32(payload[3])<<24
	r.MaxPacket = uint32(payload[4]) | uint32(payload[5])<<8 |
		uint32(payload[6])<<16 | uint32(payload[7])<<24
	r.Charset = payload[8]

	pos := 32
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	r.Username = string(payload[pos:end])
	pos = end + 1

	switch {
	case r.Capabilities&CapPluginAuthLenencClientData != 0:
		length, n := readLenEncInt(payload, pos)
		if n == 0 || pos+n+int(length) > len(payload) {
			return nil, errTooShort
		}
		r.AuthResponse = payload[pos+n : pos+n+int(length)]
		pos += n + int(length)

	case r.Capabilities&CapSecureConnection != 0:
		if pos >= len(payload) {
			return nil, errTooShort
		}
		length := int(payload[pos])
		pos++
		if pos+length > len(payload) {
			return nil, errTooShort
		}
		r.AuthResponse = payload[pos : pos+length]
		pos += length

	default:
		end = pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		r.AuthResponse = payload[pos:end]
		pos = end + 1
	}

	if r.Capabilities&CapConnectWithDB != 0 && pos < len(payload) {
		end = pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		r.Schema = string(payload[pos:end])
		pos = end + 1
	}

	if r.Capabilities&CapPluginAuth != 0 && pos < len(payload) {
		end = pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		r.AuthPlugin = string(payload[pos:end])
		pos = end + 1
	}

	if r.Capabilities&CapConnectAttrs != 0 && pos < len(payload) {
		length, n := readLenEncInt(payload, pos)
		pos += n
		blobEnd := pos + int(length)
		if blobEnd > len(payload) {
			blobEnd = len(payload)
		}
		r.Attributes = make(map[string]string)
		for pos < blobEnd {
			key, n := readLenEncString(payload, pos)
			if n == 0 {
				break
			}
			pos += n
			value, n := readLenEncString(payload, pos)
			if n == 0 {
				break
			}
			pos += n
			r.Attributes[key] = value
		}
	}

	return r, nil
}
