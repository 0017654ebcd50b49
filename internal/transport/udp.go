package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/kola-wonder/beacon-skill/internal/codec"
)

// Max safe UDP payload: 65535 minus IP and UDP headers.
const MaxDatagramSize = 65507

// DefaultBroadcastAddr and DefaultPort are the conventional LAN discovery
// endpoint when no explicit target is configured.
const (
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultPort          = 38400
)

// UDPMessage is one received datagram plus verification metadata.
type UDPMessage struct {
	Data       []byte
	Text       string
	Addr       string
	ReceivedAt int64
	// Verified is nil for unsigned payloads, otherwise the result of
	// verifying the first signed envelope found in the datagram.
	Verified *bool
}

// UDPSend transmits one datagram. Broadcast is permitted by default on
// the sockets Go creates; ttl overrides IP_TTL when > 0.
func UDPSend(host string, port int, data []byte, ttl int) error {
	if host == "" {
		return errors.New("udp send: empty host")
	}
	if port < 1 || port > 65535 {
		return errors.Errorf("udp send: invalid port %d", port)
	}
	if len(data) > MaxDatagramSize {
		return errors.Errorf("udp send: payload %d exceeds max datagram size %d", len(data), MaxDatagramSize)
	}

	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return errors.Wrap(err, "udp send: resolve")
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return errors.Wrap(err, "udp send: dial")
	}
	defer conn.Close()

	if ttl > 0 {
		if raw, err := conn.SyscallConn(); err == nil {
			_ = raw.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TTL, ttl)
			})
		}
	}

	_, err = conn.Write(data)
	return errors.Wrap(err, "udp send: write")
}

// UDPListen receives datagrams on bind:port until the context is
// cancelled, invoking onMessage for each. Signed envelopes found in the
// payload are verified against knownKeys; the first definite verdict wins.
func UDPListen(ctx context.Context, bind string, port int, knownKeys map[string]string, onMessage func(UDPMessage)) error {
	laddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", bind, port))
	if err != nil {
		return errors.Wrap(err, "udp listen: resolve")
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return errors.Wrap(err, "udp listen: bind")
	}
	defer conn.Close()

	log.Printf("[UDP] Listening on %s:%d", bind, port)

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			log.Println("[UDP] Listener stopping...")
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "udp listen: read")
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		text := string(data)

		var verified *bool
		for _, env := range codec.DecodeEnvelopes(text) {
			if v := codec.VerifyEnvelope(env, knownKeys); v != nil {
				verified = v
				break
			}
		}

		onMessage(UDPMessage{
			Data:       data,
			Text:       text,
			Addr:       addr.String(),
			ReceivedAt: time.Now().Unix(),
			Verified:   verified,
		})
	}
}
