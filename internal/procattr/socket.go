// Package procattr attributes an outbound flow's local socket to the
// owning (pid, uid, argv[0]) via the kernel's TCP socket tables and the
// /proc file descriptor table: /proc/net/tcp parsing paired with an
// ancestor walk over /proc/<pid>/stat.
package procattr

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SocketKey identifies one local endpoint's 4-tuple.
type SocketKey struct {
	LocalIP    string
	LocalPort  int
	RemoteIP   string
	RemotePort int
}

// socketInode maps a 4-tuple to the kernel socket inode backing it.
type socketInode struct {
	key   SocketKey
	inode uint64
}

// Owner is the attributed (pid, uid, argv[0]) for a flow.
type Owner struct {
	PID    int
	UID    int
	Argv0  string
}

// SocketMap snapshots /proc/net/tcp[6] -> inode and /proc/<pid>/fd -> inode,
// then resolves a 4-tuple to its owning process. It is rebuilt on every
// attribution attempt, accepting the cost to avoid stale mappings across
// short-lived sockets.
type SocketMap struct {
	inodeToPID map[uint64]int
	sockets    []socketInode
}

// Refresh rebuilds the socket map from /proc/net/tcp, /proc/net/tcp6, and
// every /proc/<pid>/fd entry currently visible.
func Refresh(procRoot string) (*SocketMap, error) {
	sm := &SocketMap{inodeToPID: make(map[uint64]int)}
	for _, f := range []string{"tcp", "tcp6"} {
		socks, err := parseProcNetTCP(filepath.Join(procRoot, "net", f), strings.HasSuffix(f, "6"))
		if err != nil {
			continue // table unreadable: fine, attribution for that family just misses
		}
		sm.sockets = append(sm.sockets, socks...)
	}
	sm.scanFDs(procRoot)
	return sm, nil
}

// Owner resolves the local socket of an outbound flow to its owning
// process. ok is false on an attribution miss: no socket-inode match, or
// no process owns that inode.
func (sm *SocketMap) Owner(localIP net.IP, localPort int, remoteIP net.IP, remotePort int) (Owner, bool) {
	key := SocketKey{LocalIP: localIP.String(), LocalPort: localPort, RemoteIP: remoteIP.String(), RemotePort: remotePort}
	for _, s := range sm.sockets {
		if s.key == key {
			if pid, ok := sm.inodeToPID[s.inode]; ok {
				return ownerFromPID(pid)
			}
		}
	}
	return Owner{}, false
}

func ownerFromPID(pid int) (Owner, bool) {
	argv0, err := readArgv0(pid)
	if err != nil {
		return Owner{}, false
	}
	uid, err := readUID(pid)
	if err != nil {
		return Owner{}, false
	}
	return Owner{PID: pid, UID: uid, Argv0: argv0}, true
}

func (sm *SocketMap) scanFDs(procRoot string) {
	procDir := filepath.Join(procRoot)
	ents, err := os.ReadDir(procDir)
	if err != nil {
		return
	}
	for _, ent := range ents {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(procDir, ent.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if inode, ok := parseSocketInode(link); ok {
				sm.inodeToPID[inode] = pid
			}
		}
	}
}

func parseSocketInode(link string) (uint64, bool) {
	if !strings.HasPrefix(link, "socket:[") || !strings.HasSuffix(link, "]") {
		return 0, false
	}
	n, err := strconv.ParseUint(link[len("socket:["):len(link)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseProcNetTCP parses the fixed-width /proc/net/tcp[6] table.
func parseProcNetTCP(path string, v6 bool) ([]socketInode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []socketInode
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 10 {
			continue
		}
		localIP, localPort, err := decodeHexAddr(fields[1], v6)
		if err != nil {
			continue
		}
		remoteIP, remotePort, err := decodeHexAddr(fields[2], v6)
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, socketInode{
			key: SocketKey{
				LocalIP: localIP, LocalPort: localPort,
				RemoteIP: remoteIP, RemotePort: remotePort,
			},
			inode: inode,
		})
	}
	return out, sc.Err()
}

// decodeHexAddr decodes a "IP:PORT" field from /proc/net/tcp, where IP is
// little-endian hex (per 32-bit word) and PORT is big-endian hex.
func decodeHexAddr(field string, v6 bool) (string, int, error) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed address field %q", field)
	}
	ipBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return "", 0, err
	}
	ip := decodeKernelIP(ipBytes, v6)
	if ip == nil {
		return "", 0, fmt.Errorf("bad ip bytes")
	}
	return ip.String(), int(port), nil
}

func decodeKernelIP(b []byte, v6 bool) net.IP {
	if !v6 {
		if len(b) != 4 {
			return nil
		}
		return net.IPv4(b[3], b[2], b[1], b[0])
	}
	if len(b) != 16 {
		return nil
	}
	out := make(net.IP, 16)
	for w := 0; w < 4; w++ {
		out[w*4+0] = b[w*4+3]
		out[w*4+1] = b[w*4+2]
		out[w*4+2] = b[w*4+1]
		out[w*4+3] = b[w*4+0]
	}
	return out
}

func readUID(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return strconv.Atoi(fields[1])
			}
		}
	}
	return 0, fmt.Errorf("Uid not found for pid %d", pid)
}

func readArgv0(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	parts := strings.Split(string(b), "\x00")
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("empty cmdline for pid %d", pid)
	}
	return parts[0], nil
}
