package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"rangefetch/internal"
)

// protocolICMP is the IPv4 ICMP protocol number
const protocolICMP = 1

var errNoEchoReply = errors.New("no echo reply")

// ICMPPinger measures latency with a single ICMP echo. It first tries an
// unprivileged datagram socket and falls back to a raw socket.
type ICMPPinger struct {
	Timeout time.Duration
}

// Ping sends one echo request to host and waits for the matching reply. A
// port in host is ignored.
func (p *ICMPPinger) Ping(ctx context.Context, host string) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", host, err)
	}
	var ip net.IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		return 0, fmt.Errorf("no IPv4 address for %s", host)
	}

	conn, dst, err := listenICMP(ip)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("rangefetch")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("send echo: %w", err)
	}

	rb := make([]byte, 512)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errNoEchoReply, err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// Unprivileged sockets rewrite the ID, so only the sequence is checked there
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == 1 {
			return time.Since(start), nil
		}
	}
}

func listenICMP(ip net.IP) (*icmp.PacketConn, net.Addr, error) {
	if conn, err := icmp.ListenPacket("udp4", "0.0.0.0"); err == nil {
		return conn, &net.UDPAddr{IP: ip}, nil
	}
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, nil, fmt.Errorf("open ICMP socket: %w", err)
	}
	return conn, &net.IPAddr{IP: ip}, nil
}

// HTTPPinger measures latency as the time to answer a HEAD request
type HTTPPinger struct {
	Client *http.Client
	Scheme string
}

// Ping times a HEAD request to the host root
func (p *HTTPPinger) Ping(ctx context.Context, host string) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	scheme := p.Scheme
	if scheme == "" {
		scheme = "https"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, scheme+"://"+host+"/", nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	resp.Body.Close()
	return elapsed, nil
}

// PingFirst returns the latency reported by the first pinger that succeeds
func PingFirst(ctx context.Context, host string, pingers ...internal.Pinger) (time.Duration, error) {
	var errs []error
	for _, p := range pingers {
		d, err := p.Ping(ctx, host)
		if err == nil {
			return d, nil
		}
		internal.LogDebug("Pinger %T failed for %s: %v", p, host, err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return 0, fmt.Errorf("no pinger configured")
	}
	return 0, errors.Join(errs...)
}
