package reactor

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Address is a resolved IPv4 or IPv6 endpoint.
type Address struct {
	ip   net.IP
	port int
	ipv6 bool
}

// NewListenAddress builds an address suitable for binding: loopback
// restricts it to 127.0.0.1/::1, otherwise it is the wildcard address.
func NewListenAddress(port int, loopback, ipv6 bool) Address {
	var ip net.IP
	switch {
	case ipv6 && loopback:
		ip = net.IPv6loopback
	case ipv6:
		ip = net.IPv6zero
	case loopback:
		ip = net.IPv4(127, 0, 0, 1)
	default:
		ip = net.IPv4zero
	}
	return Address{ip: ip, port: port, ipv6: ipv6}
}

// NewAddress builds an address from an explicit IP and port. ipv6 must
// match the family of ip.
func NewAddress(ip string, port int, ipv6 bool) (Address, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Address{}, fmt.Errorf("reactor: invalid IP address %q", ip)
	}
	return Address{ip: parsed, port: port, ipv6: ipv6}, nil
}

// ResolveAddresses resolves host (and, optionally, a named or numeric
// service) to every matching Address, preserving the resolver's ordering.
func ResolveAddresses(host, service string) ([]Address, error) {
	if service == "" {
		service = "0"
	}
	infos, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		if p, perr := strconv.Atoi(service); perr == nil {
			port = p
		} else {
			return nil, err
		}
	}
	addrs := make([]Address, 0, len(infos))
	for _, s := range infos {
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		addrs = append(addrs, Address{ip: ip, port: port, ipv6: ip.To4() == nil})
	}
	return addrs, nil
}

// ToIP returns the address's IP, without port.
func (a Address) ToIP() string { return a.ip.String() }

// ToIPPort returns the address formatted as "ip:port".
func (a Address) ToIPPort() string { return net.JoinHostPort(a.ip.String(), strconv.Itoa(a.port)) }

// Port returns the address's port.
func (a Address) Port() int { return a.port }

// Family returns unix.AF_INET or unix.AF_INET6.
func (a Address) Family() int {
	if a.ipv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// sockaddr converts the address to the unix.Sockaddr the raw syscalls need.
func (a Address) sockaddr() unix.Sockaddr {
	if a.ipv6 {
		var sa unix.SockaddrInet6
		sa.Port = a.port
		copy(sa.Addr[:], a.ip.To16())
		return &sa
	}
	var sa unix.SockaddrInet4
	sa.Port = a.port
	copy(sa.Addr[:], a.ip.To4())
	return &sa
}

// addressFromSockaddr converts a raw accept()/getpeername() result back to
// an Address.
func addressFromSockaddr(sa unix.Sockaddr) Address {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:]).To4()
		return Address{ip: ip, port: v.Port, ipv6: false}
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return Address{ip: ip, port: v.Port, ipv6: true}
	default:
		return Address{}
	}
}
