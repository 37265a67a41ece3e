package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// buildClientHello assembles a minimal, syntactically valid TLS record
// carrying a ClientHello with a single server_name extension, mirroring the
// wire shape described in RFC 6066 section 3 closely enough for the parser.
func buildClientHello(serverName string) []byte {
	var serverNameExt []byte
	if serverName != "" {
		nameEntry := []byte{serverNameTypeDNSName}
		nameEntry = append(nameEntry, byte(len(serverName)>>8), byte(len(serverName)))
		nameEntry = append(nameEntry, []byte(serverName)...)

		list := []byte{byte(len(nameEntry) >> 8), byte(len(nameEntry))}
		list = append(list, nameEntry...)

		serverNameExt = append([]byte{0x00, 0x00}, byte(len(list)>>8), byte(len(list)))
		serverNameExt = append(serverNameExt, list...)
	}

	var extensions []byte
	extensions = append(extensions, serverNameExt...)

	extensionsBlock := append([]byte{byte(len(extensions) >> 8), byte(len(extensions))}, extensions...)

	sessionID := []byte{}
	cipherSuites := []byte{0x00, 0x2f}
	compressionMethods := []byte{0x00}

	body := []byte{0x03, 0x03}                                  // client_version
	body = append(body, make([]byte, 32)...)                    // random
	body = append(body, byte(len(sessionID)))                   // session id length
	body = append(body, sessionID...)
	body = append(body, byte(len(cipherSuites)>>8), byte(len(cipherSuites)))
	body = append(body, cipherSuites...)
	body = append(body, byte(len(compressionMethods)))
	body = append(body, compressionMethods...)
	body = append(body, extensionsBlock...)

	handshake := []byte{handshakeTypeClient}
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)

	record := []byte{recordTypeHandshake, 0x03, 0x01}
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	record = append(record, handshake...)

	return record
}

func TestExtractSNI_ValidClientHello(t *testing.T) {
	buf := buildClientHello("example.com")

	name, ok := ExtractSNI(buf)
	assert.True(t, ok)
	assert.Equal(t, "example.com", name)
}

func TestExtractSNI_NoServerNameExtension(t *testing.T) {
	buf := buildClientHello("")

	_, ok := ExtractSNI(buf)
	assert.False(t, ok)
}

func TestExtractSNI_NotARecord(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\n\r\n")

	_, ok := ExtractSNI(buf)
	assert.False(t, ok)
}

func TestExtractSNI_TruncatedInput(t *testing.T) {
	full := buildClientHello("example.com")

	for _, cut := range []int{0, 1, 5, 10, 20, len(full) - 1} {
		if cut > len(full) {
			continue
		}
		_, ok := ExtractSNI(full[:cut])
		assert.False(t, ok, "truncated input at %d bytes should never be reported valid", cut)
	}
}

func TestExtractSNI_EmptyInput(t *testing.T) {
	_, ok := ExtractSNI(nil)
	assert.False(t, ok)
}
