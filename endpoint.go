package brpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Endpoint is a resolved server address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) isZero() bool {
	return e.Host == "" && e.Port == 0
}

// str2Endpoint parses "ip:port" where ip is an IPv4/IPv6 literal
// ("127.0.0.1:9000", "[::1]:9000").
func str2Endpoint(s string) (Endpoint, error) {
	host, port, err := splitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	if net.ParseIP(host) == nil {
		return Endpoint{}, errors.Wrapf(ErrInvalidAddress, "not an ip literal: %q", host)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// hostname2Endpoint parses "host:port" and resolves host through DNS.
func hostname2Endpoint(s string) (Endpoint, error) {
	host, port, err := splitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return Endpoint{}, errors.Wrapf(ErrInvalidAddress, "can't resolve %q", host)
	}
	return Endpoint{Host: addrs[0], Port: port}, nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, errors.Wrapf(ErrInvalidAddress, "%q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(ErrInvalidAddress, "bad port in %q", s)
	}
	if port < 0 || port > 65535 {
		return "", 0, errors.Wrapf(ErrInvalidPort, "port=%d", port)
	}
	return host, port, nil
}

func endpointWithPort(host string, port int) (Endpoint, error) {
	return str2Endpoint(net.JoinHostPort(host, strconv.Itoa(port)))
}

func hostnameWithPort(host string, port int) (Endpoint, error) {
	return hostname2Endpoint(net.JoinHostPort(host, strconv.Itoa(port)))
}

func looksLikeNamingURL(s string) bool {
	return strings.Contains(s, "://")
}

var _ fmt.Stringer = Endpoint{}
