package proxy

import (
	"bufio"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake   = 0x16
	handshakeClientHello  = 0x01
	extensionServerName   = 0x0000
	serverNameTypeHost    = 0x00
	recordHeaderLen       = 5
	maxClientHelloRecord  = recordHeaderLen + 16*1024
	transparentBufferSize = maxClientHelloRecord + 1024
)

// ExtractSNI returns the host_name from the server_name extension of a TLS
// ClientHello record. Truncated or malformed input yields ("", false).
func ExtractSNI(data []byte) (string, bool) {
	s := cryptobyte.String(data)

	var recType, major, minor uint8
	if !s.ReadUint8(&recType) || recType != recordTypeHandshake {
		return "", false
	}
	if !s.ReadUint8(&major) || major != 0x03 || !s.ReadUint8(&minor) {
		return "", false
	}
	// record length, handshake type, 24-bit handshake length
	var hsType uint8
	if !s.Skip(2) || !s.ReadUint8(&hsType) || hsType != handshakeClientHello || !s.Skip(3) {
		return "", false
	}
	// legacy_version + random
	if !s.Skip(2 + 32) {
		return "", false
	}
	var sessionID, cipherSuites, compression, extensions cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&cipherSuites) ||
		!s.ReadUint8LengthPrefixed(&compression) ||
		!s.ReadUint16LengthPrefixed(&extensions) {
		return "", false
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", false
		}
		if extType != extensionServerName {
			continue
		}
		var names cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&names) {
			return "", false
		}
		for !names.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return "", false
			}
			if nameType == serverNameTypeHost && len(name) > 0 && utf8.Valid(name) {
				return string(name), true
			}
		}
		return "", false
	}
	return "", false
}

// peekClientHello returns the first TLS record without consuming it. It waits
// for the whole record when the declared length fits the reader's buffer.
func peekClientHello(br *bufio.Reader) []byte {
	hdr, err := br.Peek(recordHeaderLen)
	if err != nil {
		return hdr
	}
	want := recordHeaderLen + (int(hdr[3])<<8 | int(hdr[4]))
	if want > maxClientHelloRecord {
		want = maxClientHelloRecord
	}
	if want > br.Size() {
		want = br.Size()
	}
	data, _ := br.Peek(want)
	return data
}
