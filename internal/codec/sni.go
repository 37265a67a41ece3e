package codec

const (
	recordTypeHandshake   = 0x16
	handshakeTypeClient   = 0x01
	extensionServerName   = 0x0000
	serverNameTypeDNSName = 0x00
)

// ExtractSNI walks a TLS ClientHello prefix looking for the server_name
// extension, returning the first host_name entry it carries. It validates
// length fields defensively at every step and never panics on truncated or
// malformed input - callers treat a false return as "not TLS, or no SNI".
func ExtractSNI(buf []byte) (string, bool) {
	r := &byteReader{buf: buf}

	recordType, ok := r.readByte()
	if !ok || recordType != recordTypeHandshake {
		return "", false
	}

	// legacy record version (2 bytes), record length (2 bytes)
	if !r.skip(2) {
		return "", false
	}
	recordLen, ok := r.readUint16()
	if !ok || recordLen == 0 {
		return "", false
	}

	handshakeType, ok := r.readByte()
	if !ok || handshakeType != handshakeTypeClient {
		return "", false
	}

	// handshake message length is a 24-bit big-endian integer
	if !r.skip(3) {
		return "", false
	}

	// client_version (2 bytes) + random (32 bytes)
	if !r.skip(2 + 32) {
		return "", false
	}

	sessionIDLen, ok := r.readByte()
	if !ok || !r.skip(int(sessionIDLen)) {
		return "", false
	}

	cipherSuitesLen, ok := r.readUint16()
	if !ok || !r.skip(int(cipherSuitesLen)) {
		return "", false
	}

	compressionMethodsLen, ok := r.readByte()
	if !ok || !r.skip(int(compressionMethodsLen)) {
		return "", false
	}

	if r.remaining() == 0 {
		// No extensions vector present; a valid ClientHello without SNI.
		return "", false
	}

	extensionsLen, ok := r.readUint16()
	if !ok || !r.hasAtLeast(int(extensionsLen)) {
		return "", false
	}

	end := r.pos + int(extensionsLen)
	for r.pos < end {
		extType, ok := r.readUint16()
		if !ok {
			return "", false
		}
		extLen, ok := r.readUint16()
		if !ok || !r.hasAtLeast(int(extLen)) {
			return "", false
		}
		extStart := r.pos

		if extType == extensionServerName {
			if name, ok := parseServerNameExtension(r.buf[extStart : extStart+int(extLen)]); ok {
				return name, true
			}
		}

		if !r.skip(int(extLen)) {
			return "", false
		}
	}

	return "", false
}

// parseServerNameExtension walks the server_name_list inside a server_name
// extension body, returning the first host_name entry.
func parseServerNameExtension(body []byte) (string, bool) {
	r := &byteReader{buf: body}

	listLen, ok := r.readUint16()
	if !ok || !r.hasAtLeast(int(listLen)) {
		return "", false
	}

	for r.remaining() >= 3 {
		nameType, ok := r.readByte()
		if !ok {
			return "", false
		}
		nameLen, ok := r.readUint16()
		if !ok || !r.hasAtLeast(int(nameLen)) {
			return "", false
		}
		name := r.buf[r.pos : r.pos+int(nameLen)]
		r.pos += int(nameLen)

		if nameType == serverNameTypeDNSName {
			return string(name), true
		}
	}

	return "", false
}

// byteReader is a minimal bounds-checked cursor over a byte slice, used to
// walk the ClientHello's length-prefixed fields without ever slicing past
// the end of buf.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *byteReader) hasAtLeast(n int) bool {
	return r.remaining() >= n
}

func (r *byteReader) readByte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *byteReader) readUint16() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v, true
}

func (r *byteReader) skip(n int) bool {
	if n < 0 || r.remaining() < n {
		return false
	}
	r.pos += n
	return true
}
