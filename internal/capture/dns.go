package capture

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	dnsQueryRe  = regexp.MustCompile(`^(\d+)\+\s*(A|AAAA|HTTPS|PTR)?\s*(\S+)\.$`)
	dnsAnswerRe = regexp.MustCompile(`^(\d+)\s+(\d+)/(\d+)/(\d+)`)

	dnsTokenRe = regexp.MustCompile(`(CNAME|A|AAAA|PTR)\s+(\S+?)\.?(?:,|$)`)
)

// QueryKind is the record type carried by a DNS query line.
type QueryKind string

const (
	QTypeA     QueryKind = "A"
	QTypeAAAA  QueryKind = "AAAA"
	QTypeHTTPS QueryKind = "HTTPS"
	QTypePTR   QueryKind = "PTR"
)

// Query is a parsed outbound DNS query line.
type Query struct {
	ID   uint16
	Type QueryKind
	Name string // for PTR, the raw reverse qname (in-addr.arpa / ip6.arpa form)
}

// AnswerToken is one resource record carried in a DNS answer line.
type AnswerToken struct {
	Type  string // CNAME, A, AAAA, PTR
	Value string // name (CNAME/PTR) or address (A/AAAA)
}

// Answer is a parsed DNS answer header plus its resource-record tokens.
type Answer struct {
	ID      uint16
	Tokens  []AnswerToken
}

// ParseQuery parses a "<id>+ <A|AAAA|HTTPS|PTR>? <name>." line. ok is false
// if the line doesn't match the query grammar.
func ParseQuery(line string) (Query, bool) {
	m := dnsQueryRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Query{}, false
	}
	id, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return Query{}, false
	}
	return Query{ID: uint16(id), Type: QueryKind(m[2]), Name: strings.TrimSuffix(m[3], ".")}, true
}

// ParseAnswer parses an answer header "<id> <n>/<m>/<k>" plus any
// CNAME/A/AAAA/PTR tokens appearing later on the same line.
func ParseAnswer(line string) (Answer, bool) {
	m := dnsAnswerRe.FindStringSubmatch(line)
	if m == nil {
		return Answer{}, false
	}
	id, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return Answer{}, false
	}
	ans := Answer{ID: uint16(id)}
	for _, tok := range dnsTokenRe.FindAllStringSubmatch(line, -1) {
		ans.Tokens = append(ans.Tokens, AnswerToken{Type: tok[1], Value: tok[2]})
	}
	return ans, true
}

// ReverseQNameToIP decodes a PTR query's reverse-DNS name
// ("4.3.2.1.in-addr.arpa") back into the IPv4/IPv6 address it encodes.
func ReverseQNameToIP(qname string) (net.IP, bool) {
	qname = strings.TrimSuffix(qname, ".")
	if strings.HasSuffix(qname, ".in-addr.arpa") {
		labels := strings.Split(strings.TrimSuffix(qname, ".in-addr.arpa"), ".")
		if len(labels) != 4 {
			return nil, false
		}
		rev := fmt.Sprintf("%s.%s.%s.%s", labels[3], labels[2], labels[1], labels[0])
		ip := net.ParseIP(rev)
		if ip == nil {
			return nil, false
		}
		return ip, true
	}
	if strings.HasSuffix(qname, ".ip6.arpa") {
		labels := strings.Split(strings.TrimSuffix(qname, ".ip6.arpa"), ".")
		if len(labels) != 32 {
			return nil, false
		}
		var b strings.Builder
		for i := len(labels) - 1; i >= 0; i-- {
			b.WriteString(labels[i])
			if i%4 == 0 && i != 0 {
				b.WriteByte(':')
			}
		}
		ip := net.ParseIP(b.String())
		if ip == nil {
			return nil, false
		}
		return ip, true
	}
	return nil, false
}
