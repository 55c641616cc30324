package websocks

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/godump/doa"
)

const LocaleListenOn = "127.0.0.1:28181"

func TestLocaleSocks5(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	locale := NewLocale(LocaleListenOn, &Direct{})
	defer locale.Close()
	locale.Run()

	cli := doa.Try(Dial("tcp", LocaleListenOn))
	defer cli.Close()
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x05, 0x01, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:2]))
	doa.Doa(buf[1] == 0x00)
	doa.Try(cli.Write([]byte{0x05, 0x01, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x6e, 0x14}))
	doa.Try(io.ReadFull(cli, buf[:10]))
	doa.Doa(buf[1] == 0x00)
	doa.Try(cli.Write([]byte{0x00, 0x00, 0x00, 0x80}))
	doa.Try(io.ReadFull(cli, buf[:132]))
}

func TestLocaleSocks5DialFailed(t *testing.T) {
	locale := NewLocale(LocaleListenOn, &Direct{})
	defer locale.Close()
	locale.Run()

	cli := doa.Try(Dial("tcp", LocaleListenOn))
	defer cli.Close()
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x05, 0x01, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:2]))
	// Dst port 28233, nothing listens there. The failure comes back as a socks5 reply, not a dropped connection.
	doa.Try(cli.Write([]byte{0x05, 0x01, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x6e, 0x49}))
	doa.Try(io.ReadFull(cli, buf[:10]))
	doa.Doa(buf[1] == 0x01)
}

func TestLocaleConnect(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	locale := NewLocale(LocaleListenOn, &Direct{})
	defer locale.Close()
	locale.Run()

	cli := doa.Try(Dial("tcp", LocaleListenOn))
	defer cli.Close()
	doa.Try(cli.Write([]byte("CONNECT " + EchoServerListenOn + " HTTP/1.1\r\nHost: " + EchoServerListenOn + "\r\n\r\n")))
	cliReader := bufio.NewReader(cli)
	resp := doa.Try(http.ReadResponse(cliReader, &http.Request{Method: "CONNECT"}))
	doa.Doa(resp.StatusCode == http.StatusOK)
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x00, 0x00, 0x00, 0x80}))
	doa.Try(io.ReadFull(cliReader, buf[:132]))
}

func TestLocaleSocks4(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	locale := NewLocale(LocaleListenOn, &Direct{})
	defer locale.Close()
	locale.Run()

	cli := doa.Try(Dial("tcp", LocaleListenOn))
	defer cli.Close()
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x04, 0x01, 0x6e, 0x14, 0x7f, 0x00, 0x00, 0x01, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:8]))
	doa.Doa(buf[1] == 0x5a)
	doa.Try(cli.Write([]byte{0x00, 0x00, 0x00, 0x80}))
	doa.Try(io.ReadFull(cli, buf[:132]))
}

func TestLocaleSocks5UDP(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.UDP()

	locale := NewLocale(LocaleListenOn, &Direct{})
	defer locale.Close()
	locale.Run()

	cli := doa.Try(Dial("tcp", LocaleListenOn))
	defer cli.Close()
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x05, 0x01, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:2]))
	doa.Try(cli.Write([]byte{0x05, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:10]))
	doa.Doa(buf[1] == 0x00)
	bnd := int(binary.BigEndian.Uint16(buf[8:10]))
	udp := doa.Try(net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(bnd))))
	defer udp.Close()
	doa.Try(udp.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x6e, 0x14, 0x00, 0x00, 0x00, 0x80}))
	doa.Doa(doa.Try(udp.Read(buf)) == 142)
}

func TestLocaleSocks5UDPMalformedDropped(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.UDP()

	locale := NewLocale(LocaleListenOn, &Direct{})
	defer locale.Close()
	locale.Run()

	cli := doa.Try(Dial("tcp", LocaleListenOn))
	defer cli.Close()
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x05, 0x01, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:2]))
	doa.Try(cli.Write([]byte{0x05, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))
	doa.Try(io.ReadFull(cli, buf[:10]))
	bnd := int(binary.BigEndian.Uint16(buf[8:10]))
	udp := doa.Try(net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(bnd))))
	defer udp.Close()
	// FRAG other than 0x00, an unknown address type and a truncated header are each dropped; none of them may
	// take the relay down.
	doa.Try(udp.Write([]byte{0x00, 0x00, 0x01, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x6e, 0x14, 0x00, 0x00, 0x00, 0x80}))
	doa.Try(udp.Write([]byte{0x00, 0x00, 0x00, 0x09, 0x7f, 0x00, 0x00, 0x01, 0x6e, 0x14}))
	doa.Try(udp.Write([]byte{0x00, 0x00, 0x00, 0x03, 0xff}))
	doa.Try(udp.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x6e, 0x14, 0x00, 0x00, 0x00, 0x80}))
	doa.Doa(doa.Try(udp.Read(buf)) == 142)
}
