package proxy

// StreamKind tags how a transparently redirected stream must be handled.
type StreamKind int

const (
	StreamPlainHTTP StreamKind = iota
	StreamTLS
)

func (k StreamKind) String() string {
	if k == StreamTLS {
		return "tls"
	}
	return "http"
}

// Classification is the result of sniffing the first bytes of a stream.
// Host is only meaningful for StreamTLS.
type Classification struct {
	Kind StreamKind
	Host string
}

// Classify inspects the stream prefix. A TLS handshake record yields the SNI
// host, or fallbackHost when SNI is absent or malformed.
func Classify(prefix []byte, fallbackHost string) Classification {
	if len(prefix) == 0 || prefix[0] != recordTypeHandshake {
		return Classification{Kind: StreamPlainHTTP}
	}
	if host, ok := ExtractSNI(prefix); ok {
		return Classification{Kind: StreamTLS, Host: host}
	}
	return Classification{Kind: StreamTLS, Host: fallbackHost}
}
