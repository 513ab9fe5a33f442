package netx

import (
	"net"
	"time"
)

// Connectivity answers whether the remote store is reachable right now.
type Connectivity interface {
	Online() bool
}

// DialProbe checks reachability with a short TCP dial.
type DialProbe struct {
	Addr    string
	Timeout time.Duration
}

// NewDialProbe probes the Drive API host.
func NewDialProbe() *DialProbe {
	return &DialProbe{
		Addr:    "www.googleapis.com:443",
		Timeout: 3 * time.Second,
	}
}

// Online reports whether a TCP connection to the probe address succeeds.
func (p *DialProbe) Online() bool {
	conn, err := net.DialTimeout("tcp", p.Addr, p.Timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
