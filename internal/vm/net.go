package vm

// net.go has the network socket adapter.

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corvus-vm/corvus/internal/log"
)

// Net adapter MMIO assignment and register offsets. The buffer carries command payloads in both
// directions: hostnames in, packet data and error text out.
const (
	NetAddr Word = 0xffffe94f
	NetEnd  Word = 0xffffedaf

	netRegAddr     Word = 0x00 // 16 bytes.
	netIPVer       Word = 0x10
	netProto       Word = 0x14
	netHandle      Word = 0x18
	netCommand     Word = 0x1c
	netParams      Word = 0x20
	netStatus      Word = 0x24
	netAsyncOp     Word = 0x28
	netAsyncHandle Word = 0x2c
	netBufSize     Word = 0x5c
	netBuffer      Word = 0x60

	netBufMax = 0x400

	// IntNet is the adapter's interrupt number.
	IntNet Word = 192
)

// Adapter commands. A command fires when the last byte of the command word is written.
const (
	netCmdNop Word = iota
	netCmdSocket
	netCmdBind
	netCmdConnect
	netCmdListen
	netCmdAccept
	netCmdClose
	netCmdSetSockOpt
	netCmdGetSockOpt
	netCmdRecv
	netCmdSend
	netCmdRecvFrom
	netCmdSendTo
	netCmdGetAddrInfo
	netCmdGetNameInfo
	netCmdAsyncStart
	netCmdAsyncStop
	netCmdAsyncDone
)

// Address family and protocol selectors.
const (
	netVerIPv4 Word = 0x1
	netVerIPv6 Word = 0x2

	netProtoTCP Word = 0x1
	netProtoUDP Word = 0x2
)

// Asynchronous readiness masks reported in the async-op register.
const (
	netAsyncRead  Word = 0x1
	netAsyncWrite Word = 0x2
)

// NetAdapter gives the guest one-shot socket commands over host sockets. Handles are host file
// descriptors. Asynchronous readiness is watched by a selector thread: a ready descriptor is
// reported through the async registers and the adapter's interrupt, and the selector blocks
// until the guest acknowledges with the async-done command.
type NetAdapter struct {
	mut sync.Mutex

	addr        Quad
	ipver       Word
	proto       Word
	handle      Word
	command     Word
	params      Word
	status      Word
	asyncOp     Word
	asyncHandle Word
	bufsize     Word
	buffer      [netBufMax]byte

	sockets map[int]bool
	watched map[int]int16

	acked chan struct{}
	intc  Interrupter
	done  <-chan struct{}

	log *log.Logger
}

// NewNetAdapter creates the adapter and starts its selector thread.
func NewNetAdapter(m *Machine, intc Interrupter) *NetAdapter {
	na := &NetAdapter{
		handle:  noVector, // No socket yet.
		sockets: make(map[int]bool),
		watched: make(map[int]int16),
		acked:   make(chan struct{}, 1),
		intc:    intc,
		done:    m.done,
		log:     m.log,
	}

	m.spawn(na.selector)

	return na
}

// selector polls the watched descriptors and reports readiness one event at a time.
func (na *NetAdapter) selector() {
	for {
		select {
		case <-na.done:
			return
		default:
		}

		na.mut.Lock()
		fds := make([]unix.PollFd, 0, len(na.watched))

		for fd, events := range na.watched {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}
		na.mut.Unlock()

		if len(fds) == 0 {
			select {
			case <-na.done:
				return
			case <-time.After(50 * time.Millisecond):
			}

			continue
		}

		n, err := unix.Poll(fds, 100)
		if err != nil || n == 0 {
			continue
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}

			na.mut.Lock()
			na.asyncOp = 0

			if pfd.Revents&unix.POLLIN != 0 {
				na.asyncOp |= netAsyncRead
			}

			if pfd.Revents&unix.POLLOUT != 0 {
				na.asyncOp |= netAsyncWrite
			}

			na.asyncHandle = Word(pfd.Fd)
			na.mut.Unlock()

			na.intc.Raise(IntNet)

			// Wait for the guest to finish the operation before reporting another event.
			select {
			case <-na.done:
				return
			case <-na.acked:
			}
		}
	}
}

// fail records an errno in the status register and the message text in the buffer.
func (na *NetAdapter) fail(errno unix.Errno, msg string) {
	if msg != "" {
		text := append([]byte(msg), 0)
		if len(text) > netBufMax {
			text = text[:netBufMax]
		}

		copy(na.buffer[:], text)
		na.bufsize = Word(len(text))
	}

	na.status = Word(-int32(errno))
}

func (na *NetAdapter) finish(err error) {
	if err == nil {
		na.status = 0
		return
	}

	if errno, ok := err.(unix.Errno); ok {
		na.fail(errno, errno.Error())
		return
	}

	na.fail(unix.EIO, err.Error())
}

// sockaddr builds a host socket address from the address, version and params registers.
func (na *NetAdapter) sockaddr() (unix.Sockaddr, error) {
	port := int(na.params & 0xffff)

	switch na.ipver {
	case netVerIPv6:
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], na.addr[:])

		return sa, nil
	case netVerIPv4:
		sa := &unix.SockaddrInet4{Port: port}
		low := na.addr.Low32()
		sa.Addr = [4]byte{low.Byte(0), low.Byte(1), low.Byte(2), low.Byte(3)}

		return sa, nil
	default:
		return nil, unix.EINVAL
	}
}

// storePeer publishes a peer address through the address and params registers.
func (na *NetAdapter) storePeer(sa unix.Sockaddr) {
	switch peer := sa.(type) {
	case *unix.SockaddrInet4:
		na.addr.SetLow32(Word(peer.Addr[0])<<24 | Word(peer.Addr[1])<<16 |
			Word(peer.Addr[2])<<8 | Word(peer.Addr[3]))
		na.params = Word(peer.Port)
		na.ipver = netVerIPv4
	case *unix.SockaddrInet6:
		copy(na.addr[:], peer.Addr[:])
		na.params = Word(peer.Port)
		na.ipver = netVerIPv6
	}
}

// peerIP renders the address register as a host IP for resolver calls.
func (na *NetAdapter) peerIP() (net.IP, error) {
	switch na.ipver {
	case netVerIPv6:
		ip := make(net.IP, 16)
		copy(ip, na.addr[:])

		return ip, nil
	case netVerIPv4:
		low := na.addr.Low32()
		return net.IPv4(low.Byte(0), low.Byte(1), low.Byte(2), low.Byte(3)), nil
	default:
		return nil, unix.EINVAL
	}
}

// exec runs one command. Called with the adapter lock held, from the CPU thread.
func (na *NetAdapter) exec(cmd Word) {
	switch cmd {
	case netCmdNop:
	case netCmdSocket:
		na.cmdSocket()
	case netCmdBind:
		na.cmdBind()
	case netCmdConnect:
		na.cmdConnect()
	case netCmdListen:
		na.cmdListen()
	case netCmdAccept:
		na.cmdAccept()
	case netCmdClose:
		na.cmdClose()
	case netCmdSetSockOpt, netCmdGetSockOpt:
		na.fail(unix.ENOSYS, "")
	case netCmdRecv:
		na.cmdRecv()
	case netCmdSend:
		na.cmdSend()
	case netCmdRecvFrom:
		na.cmdRecvFrom()
	case netCmdSendTo:
		na.cmdSendTo()
	case netCmdGetAddrInfo:
		na.cmdGetAddrInfo()
	case netCmdGetNameInfo:
		na.cmdGetNameInfo()
	case netCmdAsyncStart:
		na.cmdAsyncStart()
	case netCmdAsyncStop:
		na.cmdAsyncStop()
	case netCmdAsyncDone:
		select {
		case na.acked <- struct{}{}:
		default:
		}

		na.status = 0
	}
}

func (na *NetAdapter) fd() (int, bool) {
	fd := int(int32(na.handle))
	return fd, na.sockets[fd]
}

func (na *NetAdapter) cmdSocket() {
	var family, typ int

	switch na.ipver {
	case netVerIPv4:
		family = unix.AF_INET
	case netVerIPv6:
		family = unix.AF_INET6
	}

	switch na.proto {
	case netProtoTCP:
		typ = unix.SOCK_STREAM
	case netProtoUDP:
		typ = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(family, typ, 0)
	if err != nil {
		na.handle = 0
		na.finish(err)

		return
	}

	na.sockets[fd] = true
	na.handle = Word(fd)
	na.finish(nil)
}

func (na *NetAdapter) cmdBind() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	sa, err := na.sockaddr()
	if err != nil {
		na.finish(err)
		return
	}

	na.finish(unix.Bind(fd, sa))
}

func (na *NetAdapter) cmdConnect() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	sa, err := na.sockaddr()
	if err != nil {
		na.finish(err)
		return
	}

	na.finish(unix.Connect(fd, sa))
}

func (na *NetAdapter) cmdListen() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	na.finish(unix.Listen(fd, int(na.params)))
}

func (na *NetAdapter) cmdAccept() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		na.finish(err)
		return
	}

	na.storePeer(sa)
	na.sockets[nfd] = true
	na.handle = Word(nfd)
	na.finish(nil)
}

func (na *NetAdapter) cmdClose() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	// Closing a watched descriptor stops the watch too.
	delete(na.watched, fd)
	delete(na.sockets, fd)
	_ = unix.Close(fd)
	na.finish(nil)
}

func (na *NetAdapter) recvFlags() int {
	if na.params != 0 {
		return unix.MSG_OOB
	}

	return 0
}

func (na *NetAdapter) cmdRecv() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	n, _, err := unix.Recvfrom(fd, na.buffer[:], na.recvFlags())
	if err != nil {
		na.finish(err)
		return
	}

	na.bufsize = Word(n)
	na.finish(nil)
}

func (na *NetAdapter) cmdSend() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	data := na.buffer[:na.bufsize]

	if na.params != 0 {
		if err := unix.Sendto(fd, data, unix.MSG_OOB, nil); err != nil {
			na.finish(err)
			return
		}

		na.params = na.bufsize
		na.finish(nil)

		return
	}

	n, err := unix.Write(fd, data)
	if err != nil {
		na.finish(err)
		return
	}

	na.params = Word(n)
	na.finish(nil)
}

func (na *NetAdapter) cmdRecvFrom() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	n, from, err := unix.Recvfrom(fd, na.buffer[:], na.recvFlags())
	if err != nil {
		na.finish(err)
		return
	}

	if from != nil {
		na.storePeer(from)
	}

	na.bufsize = Word(n)
	na.finish(nil)
}

func (na *NetAdapter) cmdSendTo() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	sa, err := na.sockaddr()
	if err != nil {
		na.finish(err)
		return
	}

	if err := unix.Sendto(fd, na.buffer[:na.bufsize], 0, sa); err != nil {
		na.finish(err)
		return
	}

	na.params = na.bufsize
	na.finish(nil)
}

// cmdGetAddrInfo resolves the hostname in the buffer with the host resolver and packs the
// results as 20-byte records: a 4-byte version selector followed by a 16-byte address.
func (na *NetAdapter) cmdGetAddrInfo() {
	host := string(na.buffer[:na.bufsize])

	ips, err := net.LookupIP(host)
	if err != nil {
		na.fail(unix.ENOENT, err.Error())
		return
	}

	pos := 0

	for _, ip := range ips {
		var (
			ver  Word
			addr Quad
		)

		if v4 := ip.To4(); v4 != nil {
			ver = netVerIPv4
			addr.SetLow32(Word(v4[0])<<24 | Word(v4[1])<<16 | Word(v4[2])<<8 | Word(v4[3]))
		} else {
			ver = netVerIPv6
			copy(addr[:], ip.To16())
		}

		for i := 0; i < 4; i++ {
			na.buffer[pos+i] = ver.Byte(i)
		}

		copy(na.buffer[pos+4:pos+20], addr[:])

		pos += 20
		if pos+20 > netBufMax {
			break
		}
	}

	na.bufsize = Word(pos)
	na.finish(nil)
}

// cmdGetNameInfo reverse-resolves the address register with the host resolver and writes the
// first name into the buffer.
func (na *NetAdapter) cmdGetNameInfo() {
	ip, err := na.peerIP()
	if err != nil {
		na.finish(err)
		return
	}

	names, err := net.LookupAddr(ip.String())
	if err != nil || len(names) == 0 {
		na.fail(unix.ENOENT, "")
		return
	}

	name := strings.TrimSuffix(names[0], ".")
	if len(name) > netBufMax {
		name = name[:netBufMax]
	}

	copy(na.buffer[:], name)
	na.bufsize = Word(len(name))
	na.finish(nil)
}

func (na *NetAdapter) cmdAsyncStart() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	var events int16

	if na.params&netAsyncRead != 0 {
		events |= unix.POLLIN
	}

	if na.params&netAsyncWrite != 0 {
		events |= unix.POLLOUT
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		na.finish(err)
		return
	}

	na.watched[fd] = events
	na.finish(nil)
}

func (na *NetAdapter) cmdAsyncStop() {
	fd, ok := na.fd()
	if !ok {
		return
	}

	delete(na.watched, fd)
	na.finish(nil)
}

func (na *NetAdapter) Range() (Word, Word) { return NetAddr, NetEnd }

func (na *NetAdapter) ReadByte(off Word) byte {
	na.mut.Lock()
	defer na.mut.Unlock()

	switch {
	case inRange(off, netRegAddr, netRegAddr+15):
		return na.addr.Byte(int(off))
	case inRange(off, netIPVer, netIPVer+3):
		return na.ipver.Byte(int(off - netIPVer))
	case inRange(off, netProto, netProto+3):
		return na.proto.Byte(int(off - netProto))
	case inRange(off, netHandle, netHandle+3):
		return na.handle.Byte(int(off - netHandle))
	case inRange(off, netCommand, netCommand+3):
		return na.command.Byte(int(off - netCommand))
	case inRange(off, netParams, netParams+3):
		return na.params.Byte(int(off - netParams))
	case inRange(off, netStatus, netStatus+3):
		return na.status.Byte(int(off - netStatus))
	case inRange(off, netAsyncOp, netAsyncOp+3):
		return na.asyncOp.Byte(int(off - netAsyncOp))
	case inRange(off, netAsyncHandle, netAsyncHandle+3):
		return na.asyncHandle.Byte(int(off - netAsyncHandle))
	case inRange(off, netBufSize, netBufSize+3):
		return na.bufsize.Byte(int(off - netBufSize))
	case inRange(off, netBuffer, netBuffer+netBufMax-1):
		return na.buffer[off-netBuffer]
	default:
		return 0
	}
}

func (na *NetAdapter) WriteByte(off Word, val byte) {
	na.mut.Lock()
	defer na.mut.Unlock()

	switch {
	case inRange(off, netRegAddr, netRegAddr+15):
		na.addr.SetByte(int(off), val)
	case inRange(off, netIPVer, netIPVer+3):
		na.ipver.SetByte(int(off-netIPVer), val)
	case inRange(off, netProto, netProto+3):
		na.proto.SetByte(int(off-netProto), val)
	case inRange(off, netHandle, netHandle+3):
		na.handle.SetByte(int(off-netHandle), val)
	case inRange(off, netCommand, netCommand+3):
		na.command.SetByte(int(off-netCommand), val)

		// Only act when the last byte lands.
		if off == netCommand+3 {
			na.exec(na.command)
		}
	case inRange(off, netParams, netParams+3):
		na.params.SetByte(int(off-netParams), val)
	case inRange(off, netStatus, netStatus+3):
		na.status.SetByte(int(off-netStatus), val)
	case inRange(off, netAsyncOp, netAsyncOp+3):
		na.asyncOp.SetByte(int(off-netAsyncOp), val)
	case inRange(off, netAsyncHandle, netAsyncHandle+3):
		na.asyncHandle.SetByte(int(off-netAsyncHandle), val)
	case inRange(off, netBufSize, netBufSize+3):
		na.bufsize.SetByte(int(off-netBufSize), val)
		if na.bufsize > netBufMax {
			na.bufsize %= netBufMax
		}
	case inRange(off, netBuffer, netBuffer+netBufMax-1):
		na.buffer[off-netBuffer] = val
	}
}

func (na *NetAdapter) device() string { return "Net(SLIRP)" }
