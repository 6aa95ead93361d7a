package capture

import (
	"net"
	"strings"
	"testing"
)

func TestParserSingleLineForm(t *testing.T) {
	line := "2026-03-01 10:00:00.123456 10.0.0.5.54321 > 93.184.216.34.443: Flags [S], seq 1, win 64240, [length 0]\n"
	p := NewParser(strings.NewReader(line))
	pkt, ok := p.Next()
	if !ok {
		t.Fatal("expected a packet to parse")
	}
	if pkt.Src.IP.String() != "10.0.0.5" || pkt.Src.Port != 54321 {
		t.Errorf("unexpected src: %+v", pkt.Src)
	}
	if pkt.Dst.IP.String() != "93.184.216.34" || pkt.Dst.Port != 443 {
		t.Errorf("unexpected dst: %+v", pkt.Dst)
	}
	if pkt.Length != 0 {
		t.Errorf("expected length 0, got %d", pkt.Length)
	}
}

func TestParserTwoLineForm(t *testing.T) {
	lines := "2026-03-01 10:00:00.123456\n10.0.0.5.54321 > 93.184.216.34.443: Flags [S], seq 1, win 64240, [length 40]\n"
	p := NewParser(strings.NewReader(lines))
	pkt, ok := p.Next()
	if !ok {
		t.Fatal("expected a packet to parse")
	}
	if pkt.Length != 40 {
		t.Errorf("expected length 40, got %d", pkt.Length)
	}
}

func TestParserSkipsUnparseableLines(t *testing.T) {
	lines := "garbage line that matches nothing\n2026-03-01 10:00:00.123456 10.0.0.5.1 > 1.2.3.4.2: [length 10]\n"
	p := NewParser(strings.NewReader(lines))
	pkt, ok := p.Next()
	if !ok {
		t.Fatal("expected to recover and parse the valid line after skipping garbage")
	}
	if pkt.Dst.IP.String() != "1.2.3.4" {
		t.Errorf("unexpected dst: %+v", pkt.Dst)
	}
}

func TestParserEOF(t *testing.T) {
	p := NewParser(strings.NewReader(""))
	if _, ok := p.Next(); ok {
		t.Fatal("expected ok=false on an empty stream")
	}
}

func TestParseQuery(t *testing.T) {
	q, ok := ParseQuery("12345+ A chat.openai.com.")
	if !ok {
		t.Fatal("expected query to parse")
	}
	if q.ID != 12345 || q.Type != QTypeA || q.Name != "chat.openai.com" {
		t.Errorf("unexpected query: %+v", q)
	}
}

func TestParseAnswerWithCNAMEChain(t *testing.T) {
	a, ok := ParseAnswer("12345 2/0/0 CNAME edge.openai.com., A 1.2.3.4")
	if !ok {
		t.Fatal("expected answer to parse")
	}
	if a.ID != 12345 {
		t.Errorf("unexpected id: %d", a.ID)
	}
	if len(a.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d: %+v", len(a.Tokens), a.Tokens)
	}
	if a.Tokens[0].Type != "CNAME" || a.Tokens[0].Value != "edge.openai.com" {
		t.Errorf("unexpected first token: %+v", a.Tokens[0])
	}
	if a.Tokens[1].Type != "A" || a.Tokens[1].Value != "1.2.3.4" {
		t.Errorf("unexpected second token: %+v", a.Tokens[1])
	}
}

func TestReverseQNameToIPv4(t *testing.T) {
	ip, ok := ReverseQNameToIP("5.0.0.10.in-addr.arpa.")
	if !ok {
		t.Fatal("expected reverse name to decode")
	}
	if ip.String() != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %s", ip.String())
	}
}

func TestClassifyDirection(t *testing.T) {
	local := LocalIPSet([]net.IP{net.ParseIP("10.0.0.5")})
	out := Classify(local, net.ParseIP("10.0.0.5"), net.ParseIP("93.184.216.34"))
	if out != DirOut {
		t.Errorf("expected DirOut, got %v", out)
	}
	in := Classify(local, net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5"))
	if in != DirIn {
		t.Errorf("expected DirIn, got %v", in)
	}
	unknown := Classify(local, net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"))
	if unknown != DirUnknown {
		t.Errorf("expected DirUnknown, got %v", unknown)
	}
}
