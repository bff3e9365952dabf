// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveListenAddr turns a "host:port" string into a unix.Sockaddr and
// the equivalent *net.TCPAddr (used only for reporting/LocalAddr()).
func resolveListenAddr(addr string) (unix.Sockaddr, *net.TCPAddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, tcpAddr, nil
	}
	ip6 := tcpAddr.IP.To16()
	if ip6 == nil {
		ip6 = net.IPv6zero
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip6)
	return sa, tcpAddr, nil
}

// sockaddrToTCPAddr converts an accepted peer's unix.Sockaddr into a
// *net.TCPAddr for user-facing callbacks.
func sockaddrToTCPAddr(sa unix.Sockaddr) (*net.TCPAddr, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}, nil
	default:
		return nil, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

func addrFamily(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// unixGetsockname wraps unix.Getsockname so callers outside this file
// don't need to import golang.org/x/sys/unix directly.
func unixGetsockname(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}
