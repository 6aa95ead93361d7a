package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/invigil/invigil/internal/collector"
	"github.com/invigil/invigil/internal/procattr"
	"github.com/invigil/invigil/internal/telemetry/log"
)

var (
	logPath        = pflag.String("log-file", "events.jsonl", "path to write the attributed event log to")
	dataCaptureCmd = pflag.String("data-cmd", "tcpdump -n -l", "data-capture driver command line")
	dnsCaptureCmd  = pflag.String("dns-cmd", "tcpdump -n -l port 53", "DNS-capture driver command line")
	targetUser     = pflag.String("user", "", "username whose process tree is attributed (default: current user)")
	pollInterval   = pflag.Duration("poll-interval", 500*time.Millisecond, "/proc snapshot cadence")
	resolveTimeout = pflag.Duration("resolve-timeout", 75*time.Millisecond, "reverse-DNS fallback budget")
	skipPrefixCSV  = pflag.String("skip-prefixes", "", "comma-separated argv/name prefixes the collector never reports")
	ver            = pflag.BoolP("version", "V", false, "print version and exit")
)

const version = "invigil-collector 0.1.0"

func main() {
	pflag.Parse()
	if *ver {
		fmt.Println(version)
		return
	}

	lg := log.New(os.Stderr)
	defer lg.Close()

	usr, uid, err := resolveUser(*targetUser)
	if err != nil {
		lg.Fatal("failed to resolve target user", log.KVErr(err))
	}

	localIPs, err := localInterfaceIPs()
	if err != nil {
		lg.Fatal("failed to enumerate local interfaces", log.KVErr(err))
	}

	out, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lg.Fatal("failed to open event log", log.KV("path", *logPath), log.KVErr(err))
	}
	defer out.Close()

	cfg := collector.Config{
		User:         usr,
		UID:          uid,
		LocalIPs:     localIPs,
		SkipPrefixes: procattr.SkipPrefixes(splitCSV(*skipPrefixCSV)),
		PollInterval: *pollInterval,
		ResolveTO:    *resolveTimeout,
	}
	c := collector.New(cfg, lg, out)

	dataOut, err := startCaptureDriver(*dataCaptureCmd, lg)
	if err != nil {
		lg.Fatal("failed to start data-capture driver", log.KVErr(err))
	}
	dnsOut, err := startCaptureDriver(*dnsCaptureCmd, lg)
	if err != nil {
		lg.Fatal("failed to start DNS-capture driver", log.KVErr(err))
	}

	go c.RunGC()

	// errgroup supervises the three long-lived loops; none of them return
	// on their own short of the capture driver exiting, so Wait blocks
	// until the process is killed.
	var g errgroup.Group
	g.Go(func() error { c.RunDataReader(dataOut); return nil })
	g.Go(func() error { c.RunDNSReader(dnsOut); return nil })
	g.Go(func() error { c.RunProcPoller(); return nil })
	if err := g.Wait(); err != nil {
		lg.Fatal("collector loop exited", log.KVErr(err))
	}
}

func resolveUser(name string) (string, int, error) {
	var u *user.User
	var err error
	if name == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(name)
	}
	if err != nil {
		return "", 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return "", 0, err
	}
	return u.Username, uid, nil
}

func localInterfaceIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips, nil
}

// startCaptureDriver launches one capture-tool subprocess and returns its
// stdout for the matching reader goroutine to parse line-by-line.
func startCaptureDriver(cmdline string, lg *log.Logger) (*os.File, error) {
	args := splitCSV(cmdline)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty capture command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		defer pw.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				if _, werr := pw.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			lg.Warn("capture driver exited", log.KV("cmd", cmdline), log.KVErr(err))
		}
	}()
	return pr, nil
}

// splitCSV splits on commas and spaces, used both for the skip-prefix
// list and for tokenizing a capture-driver command line.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
