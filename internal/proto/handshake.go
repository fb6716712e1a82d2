package proto

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// Greeting is a decoded initial handshake (protocol v10) from a server.
type Greeting struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthData        []byte
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPlugin      string
}

// ParseGreeting decodes an initial handshake packet.
func ParseGreeting(payload []byte) (*Greeting, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty greeting")
	}
	g := &Greeting{ProtocolVersion: payload[0]}
	if g.ProtocolVersion != 10 {
		return nil, fmt.Errorf("unsupported protocol version %d", g.ProtocolVersion)
	}

	pos := 1
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	g.ServerVersion = string(payload[pos:end])
	pos = end + 1

	if pos+4 > len(payload) {
		return nil, fmt.Errorf("greeting too short")
	}
	g.ConnectionID = binary.LittleEndian.Uint32(payload[pos : pos+4])
	pos += 4

	// auth-plugin-data-part-1 (8 bytes) + filler
	if pos+9 > len(payload) {
		return nil, fmt.Errorf("greeting too short")
	}
	g.AuthData = append(g.AuthData, payload[pos:pos+8]...)
	pos += 9

	if pos+2 > len(payload) {
		return nil, fmt.Errorf("greeting too short")
	}
	g.Capabilities = uint32(binary.LittleEndian.Uint16(payload[pos : pos+2]))
	pos += 2

	if pos < len(payload) {
		g.Charset = payload[pos]
		pos++
	}
	if pos+2 <= len(payload) {
		g.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
		pos += 2
	}
	if pos+2 <= len(payload) {
		g.Capabilities |= uint32(binary.LittleEndian.Uint16(payload[pos:pos+2])) << 16
		pos += 2
	}

	var authDataLen byte
	if pos < len(payload) {
		authDataLen = payload[pos]
		pos++
	}
	pos += 10 // reserved

	if g.Capabilities&CapSecureConnection != 0 {
		n := 13
		if int(authDataLen)-8 > 13 {
			n = int(authDataLen) - 8
		}
		if pos+n <= len(payload) {
			part2 := payload[pos : pos+n]
			// trailing NUL is not part of the nonce
			if len(part2) > 0 && part2[len(part2)-1] == 0 {
				part2 = part2[:len(part2)-1]
			}
			g.AuthData = append(g.AuthData, part2...)
			pos += n
		}
	}

	if g.Capabilities&CapPluginAuth != 0 && pos < len(payload) {
		end = pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		g.AuthPlugin = string(payload[pos:end])
	}
	return g, nil
}

// BuildGreeting encodes an initial handshake packet. Used for the
// router-originated greeting sent to clients before a backend exists.
func BuildGreeting(g *Greeting) []byte {
	var payload []byte
	payload = append(payload, 10)
	payload = append(payload, g.ServerVersion...)
	payload = append(payload, 0)

	var connID [4]byte
	binary.LittleEndian.PutUint32(connID[:], g.ConnectionID)
	payload = append(payload, connID[:]...)

	payload = append(payload, g.AuthData[:8]...)
	payload = append(payload, 0) // filler

	payload = append(payload, byte(g.Capabilities), byte(g.Capabilities>>8))
	payload = append(payload, g.Charset)
	payload = append(payload, byte(g.StatusFlags), byte(g.StatusFlags>>8))
	payload = append(payload, byte(g.Capabilities>>16), byte(g.Capabilities>>24))

	payload = append(payload, byte(len(g.AuthData)+1))
	payload = append(payload, make([]byte, 10)...) // reserved

	if g.Capabilities&CapSecureConnection != 0 {
		rest := g.AuthData[8:]
		payload = append(payload, rest...)
		payload = append(payload, 0)
	}
	if g.Capabilities&CapPluginAuth != 0 {
		payload = append(payload, g.AuthPlugin...)
		payload = append(payload, 0)
	}
	return payload
}

// HandshakeResponse is the client's reply to the initial handshake.
type HandshakeResponse struct {
	Capabilities uint32
	MaxPacket    uint32
	Charset      byte
	Username     string
	AuthResponse []byte
	Schema       string
	AuthPlugin   string
	Attributes   map[string]string
}

// BuildHandshakeResponse encodes a HandshakeResponse41 payload.
func BuildHandshakeResponse(r *HandshakeResponse) []byte {
	var payload []byte

	var head [32]byte
	binary.LittleEndian.PutUint32(head[0:4], r.Capabilities)
	binary.LittleEndian.PutUint32(head[4:8], r.MaxPacket)
	head[8] = r.Charset
	payload = append(payload, head[:]...)

	payload = append(payload, r.Username...)
	payload = append(payload, 0)

	if r.Capabilities&CapPluginAuthLenencClientData != 0 {
		payload = AppendLenEncInt(payload, uint64(len(r.AuthResponse)))
		payload = append(payload, r.AuthResponse...)
	} else {
		payload = append(payload, byte(len(r.AuthResponse)))
		payload = append(payload, r.AuthResponse...)
	}

	if r.Capabilities&CapConnectWithDB != 0 {
		payload = append(payload, r.Schema...)
		payload = append(payload, 0)
	}
	if r.Capabilities&CapPluginAuth != 0 {
		payload = append(payload, r.AuthPlugin...)
		payload = append(payload, 0)
	}
	if r.Capabilities&CapConnectAttrs != 0 {
		payload = appendConnAttrs(payload, r.Attributes)
	}
	return payload
}

// BuildChangeUser encodes a COM_CHANGE_USER payload.
func BuildChangeUser(r *HandshakeResponse) []byte {
	payload := []byte{ComChangeUser}
	payload = append(payload, r.Username...)
	payload = append(payload, 0)

	payload = append(payload, byte(len(r.AuthResponse)))
	payload = append(payload, r.AuthResponse...)

	payload = append(payload, r.Schema...)
	payload = append(payload, 0)

	payload = append(payload, r.Charset, 0)

	if r.Capabilities&CapPluginAuth != 0 {
		payload = append(payload, r.AuthPlugin...)
		payload = append(payload, 0)
	}
	if r.Capabilities&CapConnectAttrs != 0 {
		payload = appendConnAttrs(payload, r.Attributes)
	}
	return payload
}

// appendConnAttrs encodes connection attributes in sorted key order so
// two encodings of the same attribute set compare equal.
func appendConnAttrs(payload []byte, attrs map[string]string) []byte {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var blob []byte
	for _, k := range keys {
		blob = AppendLenEncString(blob, k)
		blob = AppendLenEncString(blob, attrs[k])
	}
	payload = AppendLenEncInt(payload, uint64(len(blob)))
	return append(payload, blob...)
}

// --- auth scrambles ---

// NativePasswordAuth computes the mysql_native_password scramble:
// SHA1(password) XOR SHA1(nonce + SHA1(SHA1(password))).
func NativePasswordAuth(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])

	if len(nonce) > 20 {
		nonce = nonce[:20]
	}
	h := sha1.New()
	h.Write(nonce)
	h.Write(h2[:])
	scramble := h.Sum(nil)

	for i := range scramble {
		scramble[i] ^= h1[i]
	}
	return scramble
}

// CachingSHA2Auth computes the caching_sha2_password fast-path scramble:
// SHA256(password) XOR SHA256(SHA256(SHA256(password)) + nonce).
func CachingSHA2Auth(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	h1 := sha256.Sum256([]byte(password))
	h2 := sha256.Sum256(h1[:])

	h := sha256.New()
	h.Write(h2[:])
	h.Write(nonce)
	scramble := h.Sum(nil)

	for i := range scramble {
		scramble[i] ^= h1[i]
	}
	return scramble
}

// ScrambleFor dispatches on the auth plugin announced by the server.
func ScrambleFor(plugin, password string, nonce []byte) ([]byte, error) {
	switch plugin {
	case "", "mysql_native_password":
		return NativePasswordAuth(password, nonce), nil
	case "caching_sha2_password":
		return CachingSHA2Auth(password, nonce), nil
	default:
		return nil, fmt.Errorf("unsupported auth plugin %q", plugin)
	}
}

// --- command payload builders ---

// BuildComQuery encodes a COM_QUERY payload.
func BuildComQuery(stmt string) []byte {
	return append([]byte{ComQuery}, stmt...)
}

// BuildComInitDB encodes a COM_INIT_DB payload.
func BuildComInitDB(schema string) []byte {
	return append([]byte{ComInitDB}, schema...)
}

// BuildComSetOption encodes a COM_SET_OPTION payload.
func BuildComSetOption(op uint16) []byte {
	return []byte{ComSetOption, byte(op), byte(op >> 8)}
}

// BuildComResetConnection encodes a COM_RESET_CONNECTION payload.
func BuildComResetConnection() []byte {
	return []byte{ComResetConnection}
}

// BuildComQuit encodes a COM_QUIT payload.
func BuildComQuit() []byte {
	return []byte{ComQuit}
}
