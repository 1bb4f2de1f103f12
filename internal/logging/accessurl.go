package logging

import (
	"fmt"
	"net"
	"os"

	"github.com/mattn/go-isatty"
)

// PrintAccessURL prints the URLs the listen address resolves to, so the
// user knows what to open on the phone. A wildcard bind expands to every
// non-loopback IPv4 interface address.
func PrintAccessURL(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}

	var urls []string
	if host == "" || host == "0.0.0.0" || host == "::" {
		urls = append(urls, "http://localhost:"+port)
		if addrs, err := net.InterfaceAddrs(); err == nil {
			for _, a := range addrs {
				ipnet, ok := a.(*net.IPNet)
				if !ok || ipnet.IP.IsLoopback() {
					continue
				}
				if ip := ipnet.IP.To4(); ip != nil {
					urls = append(urls, "http://"+net.JoinHostPort(ip.String(), port))
				}
			}
		}
	} else {
		urls = append(urls, "http://"+net.JoinHostPort(host, port))
	}

	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	for _, u := range urls {
		if color {
			fmt.Fprintf(os.Stderr, "  %s→%s %s\n", dim, reset, u)
		} else {
			fmt.Fprintf(os.Stderr, "  → %s\n", u)
		}
	}
	fmt.Fprintln(os.Stderr)
}
