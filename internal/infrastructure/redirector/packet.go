package redirector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var errNotTCP4 = errors.New("not an IPv4 TCP packet")

// Flow is the addressing of one TCP segment.
type Flow struct {
	Src, Dst      netip.AddrPort
	SYN, ACK, RST bool
}

// Rewrite is a segment re-addressed to the proxy.
type Rewrite struct {
	Flow
	Packet []byte
}

func decodeTCP4(packet []byte) (*layers.IPv4, *layers.TCP, error) {
	pkt := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcpLayer, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if ipLayer == nil || tcpLayer == nil {
		if el := pkt.ErrorLayer(); el != nil {
			return nil, nil, fmt.Errorf("%w: %w", errNotTCP4, el.Error())
		}
		return nil, nil, errNotTCP4
	}
	return ipLayer, tcpLayer, nil
}

func flowOf(ip *layers.IPv4, tcp *layers.TCP) Flow {
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	return Flow{
		Src: netip.AddrPortFrom(src, uint16(tcp.SrcPort)),
		Dst: netip.AddrPortFrom(dst, uint16(tcp.DstPort)),
		SYN: tcp.SYN,
		ACK: tcp.ACK,
		RST: tcp.RST,
	}
}

// PeekFlow decodes the addressing of an IPv4 TCP packet without modifying it.
func PeekFlow(packet []byte) (Flow, error) {
	ip, tcp, err := decodeTCP4(packet)
	if err != nil {
		return Flow{}, err
	}
	return flowOf(ip, tcp), nil
}

// RewriteToProxy points an outbound segment at proxy. Both the IPv4 header
// checksum and the TCP checksum over the pseudo header are recomputed.
func RewriteToProxy(packet []byte, proxy netip.AddrPort) (Rewrite, error) {
	ip, tcp, err := decodeTCP4(packet)
	if err != nil {
		return Rewrite{}, err
	}
	flow := flowOf(ip, tcp)
	ip.DstIP = net.IP(proxy.Addr().AsSlice())
	tcp.DstPort = layers.TCPPort(proxy.Port())
	out, err := reserialize(ip, tcp)
	if err != nil {
		return Rewrite{}, err
	}
	return Rewrite{Flow: flow, Packet: out}, nil
}

// RewriteFromProxy restores the source of a proxy reply to the destination the
// client originally dialled, so the client sees its own connection answered.
func RewriteFromProxy(packet []byte, original netip.AddrPort) ([]byte, error) {
	ip, tcp, err := decodeTCP4(packet)
	if err != nil {
		return nil, err
	}
	ip.SrcIP = net.IP(original.Addr().AsSlice())
	tcp.SrcPort = layers.TCPPort(original.Port())
	return reserialize(ip, tcp)
}

func reserialize(ip *layers.IPv4, tcp *layers.TCP) ([]byte, error) {
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(tcp.Payload)); err != nil {
		return nil, fmt.Errorf("serialize rewritten packet: %w", err)
	}
	return buf.Bytes(), nil
}

// socketAddr decodes a capture-driver endpoint: 16 bytes holding four host-order
// (little-endian) words; IPv4 appears as ::ffff:a.b.c.d with the address in word 0.
func socketAddr(raw [16]byte, port uint16) netip.AddrPort {
	var words [4]uint32
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	if words[1] == 0x0000ffff && words[2] == 0 && words[3] == 0 {
		var v4 [4]byte
		binary.BigEndian.PutUint32(v4[:], words[0])
		return netip.AddrPortFrom(netip.AddrFrom4(v4), port)
	}
	var v6 [16]byte
	for i := range words {
		binary.BigEndian.PutUint32(v6[i*4:], words[3-i])
	}
	return netip.AddrPortFrom(netip.AddrFrom16(v6), port)
}
