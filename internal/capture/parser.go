// Package capture parses the text line stream emitted by the external
// data- and DNS-capture driver processes into typed packet and DNS
// records. Capture itself happens out of process; this package only ever
// reads a child process's stdout.
package capture

import (
	"bufio"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	timestampHeaderRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6})$`)

	ipv4TupleRe = regexp.MustCompile(`^(\d+\.\d+\.\d+\.\d+)\.(\d+) > (\d+\.\d+\.\d+\.\d+)\.(\d+):.*\[length (\d+)\]`)
	ipv6TupleRe = regexp.MustCompile(`^([0-9a-fA-F:]+)\.(\d+) > ([0-9a-fA-F:]+)\.(\d+):.*\[length (\d+)\]`)

	singleLineRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{6}) (\S+)\.(\d+) > (\S+)\.(\d+):.*\[length (\d+)\]`)

	timestampLayout = "2006-01-02 15:04:05.000000"
)

// Socket is one endpoint of a flow.
type Socket struct {
	IP   net.IP
	Port int
}

// Packet is a single attributed-candidate flow sample parsed from the
// data-capture driver's text output.
type Packet struct {
	TS     time.Time
	Src    Socket
	Dst    Socket
	Length int
}

// Parser scans a capture driver's stdout, maintaining a one-line lookahead
// window so the two-line IPv4/IPv6 forms can be recognized without
// buffering the whole stream.
type Parser struct {
	scan    *bufio.Scanner
	lookhead string
	haveLook bool
}

func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Parser{scan: s}
}

func (p *Parser) nextLine() (string, bool) {
	if p.haveLook {
		p.haveLook = false
		return p.lookhead, true
	}
	if !p.scan.Scan() {
		return "", false
	}
	return p.scan.Text(), true
}

func (p *Parser) pushback(line string) {
	p.lookhead = line
	p.haveLook = true
}

// Next returns the next successfully parsed packet, skipping any lines
// that match none of the known forms. It returns ok=false at EOF.
func (p *Parser) Next() (pkt Packet, ok bool) {
	for {
		line, has := p.nextLine()
		if !has {
			return Packet{}, false
		}

		// Single-line fallback: timestamp and tuple on one line.
		if m := singleLineRe.FindStringSubmatch(line); m != nil {
			if pkt, ok = buildPacket(m[1], m[2], m[3], m[4], m[5], m[6]); ok {
				return pkt, true
			}
			continue
		}

		// Two-line forms: a bare timestamp header followed by a tuple line.
		if timestampHeaderRe.MatchString(line) {
			ts := line
			next, has := p.nextLine()
			if !has {
				return Packet{}, false
			}
			if m := ipv4TupleRe.FindStringSubmatch(next); m != nil {
				if pkt, ok = buildPacket(ts, m[1], m[2], m[3], m[4], m[5]); ok {
					return pkt, true
				}
				continue
			}
			if m := ipv6TupleRe.FindStringSubmatch(next); m != nil {
				if pkt, ok = buildPacket(ts, m[1], m[2], m[3], m[4], m[5]); ok {
					return pkt, true
				}
				continue
			}
			// The line after a timestamp header didn't match either tuple
			// form; it might itself be the start of the next block, so
			// push it back rather than discarding it.
			p.pushback(next)
			continue
		}
		// Unparseable block: skip silently.
	}
}

func buildPacket(ts, srcIP, srcPort, dstIP, dstPort, length string) (Packet, bool) {
	t, err := time.ParseInLocation(timestampLayout, ts, time.Local)
	if err != nil {
		return Packet{}, false
	}
	sip := net.ParseIP(srcIP)
	dip := net.ParseIP(dstIP)
	if sip == nil || dip == nil {
		return Packet{}, false
	}
	sp, err := strconv.Atoi(srcPort)
	if err != nil {
		return Packet{}, false
	}
	dp, err := strconv.Atoi(dstPort)
	if err != nil {
		return Packet{}, false
	}
	l, err := strconv.Atoi(length)
	if err != nil {
		return Packet{}, false
	}
	return Packet{
		TS:     t,
		Src:    Socket{IP: sip, Port: sp},
		Dst:    Socket{IP: dip, Port: dp},
		Length: l,
	}, true
}
