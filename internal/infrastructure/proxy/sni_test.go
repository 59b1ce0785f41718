package proxy

import (
	"bufio"
	"crypto/tls"
	"net"
	"testing"

	"golang.org/x/crypto/cryptobyte"
)

// buildClientHello assembles a minimal ClientHello record carrying serverName.
func buildClientHello(serverName string) []byte {
	var hello cryptobyte.Builder
	hello.AddUint16(0x0303)
	hello.AddBytes(make([]byte, 32))
	hello.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte{1, 2, 3, 4}) })
	hello.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(0x1301); b.AddUint16(0xc02f) })
	hello.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
	hello.AddUint16LengthPrefixed(func(exts *cryptobyte.Builder) {
		// an unrelated extension first (supported_versions)
		exts.AddUint16(0x002b)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(2); b.AddUint16(0x0304) })
		if serverName == "" {
			return
		}
		exts.AddUint16(0x0000)
		exts.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
				list.AddUint8(0)
				list.AddUint16LengthPrefixed(func(n *cryptobyte.Builder) { n.AddBytes([]byte(serverName)) })
			})
		})
	})
	body := hello.BytesOrPanic()

	var hs cryptobyte.Builder
	hs.AddUint8(handshakeClientHello)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(body) })
	handshake := hs.BytesOrPanic()

	var rec cryptobyte.Builder
	rec.AddUint8(recordTypeHandshake)
	rec.AddUint16(0x0301)
	rec.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(handshake) })
	return rec.BytesOrPanic()
}

// realClientHello captures the first record crypto/tls sends for serverName.
func realClientHello(t *testing.T, serverName string) []byte {
	t.Helper()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go func() {
		_ = tls.Client(c1, &tls.Config{ServerName: serverName, InsecureSkipVerify: true}).Handshake()
	}()
	br := bufio.NewReaderSize(c2, transparentBufferSize)
	return append([]byte(nil), peekClientHello(br)...)
}

func TestExtractSNIWellFormed(t *testing.T) {
	host, ok := ExtractSNI(buildClientHello("example.com"))
	if !ok || host != "example.com" {
		t.Fatalf("got %q ok=%v", host, ok)
	}
}

func TestExtractSNIFromCryptoTLS(t *testing.T) {
	data := realClientHello(t, "example.com")
	host, ok := ExtractSNI(data)
	if !ok || host != "example.com" {
		t.Fatalf("got %q ok=%v (len %d)", host, ok, len(data))
	}
}

func TestExtractSNITruncatedNeverMatches(t *testing.T) {
	full := buildClientHello("example.com")
	for n := 0; n < len(full); n++ {
		if host, ok := ExtractSNI(full[:n]); ok {
			t.Fatalf("prefix %d/%d unexpectedly parsed %q", n, len(full), host)
		}
	}
}

func TestExtractSNIMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not handshake":  append([]byte{0x17}, buildClientHello("example.com")[1:]...),
		"bad version":    append([]byte{0x16, 0x02}, buildClientHello("example.com")[2:]...),
		"no sni":         buildClientHello(""),
		"garbage":        {0x16, 0x03, 0x01, 0xff, 0xff, 0x01, 0xff, 0xff, 0xff},
		"http request":   []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		"only header":    {0x16, 0x03, 0x01},
	}
	for name, data := range cases {
		if host, ok := ExtractSNI(data); ok {
			t.Fatalf("%s: unexpectedly parsed %q", name, host)
		}
	}

	// corrupt the session id length so it overruns the record
	bad := buildClientHello("example.com")
	bad[recordHeaderLen+4+2+32] = 0xff
	if _, ok := ExtractSNI(bad); ok {
		t.Fatalf("overlong session id must not parse")
	}
}

func TestClassify(t *testing.T) {
	c := Classify(buildClientHello("api.example.com"), "10.0.0.1")
	if c.Kind != StreamTLS || c.Host != "api.example.com" {
		t.Fatalf("tls with sni: %+v", c)
	}
	c = Classify(buildClientHello(""), "10.0.0.1")
	if c.Kind != StreamTLS || c.Host != "10.0.0.1" {
		t.Fatalf("tls without sni must fall back: %+v", c)
	}
	c = Classify([]byte("GET / HTTP/1.1\r\n"), "10.0.0.1")
	if c.Kind != StreamPlainHTTP {
		t.Fatalf("plain http: %+v", c)
	}
	if Classify(nil, "x").Kind != StreamPlainHTTP {
		t.Fatalf("empty prefix must be plain")
	}
}
