package session

import (
	"encoding/binary"
	"net"

	"dispatchproxy/internal/applog"
)

// buildReply formats a SOCKS5 reply: VER REP RSV ATYP BND.ADDR BND.PORT.
// A nil bindAddr yields the fallback used when no outbound local
// address is available: ATYP=1, BND.ADDR=0.0.0.0, BND.PORT=0.
func buildReply(rep byte, bindAddr *net.TCPAddr) []byte {
	if bindAddr == nil {
		return []byte{version5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	}

	if ip4 := bindAddr.IP.To4(); ip4 != nil {
		reply := make([]byte, 10)
		reply[0] = version5
		reply[1] = rep
		reply[2] = 0x00
		reply[3] = atypIPv4
		copy(reply[4:8], ip4)
		binary.BigEndian.PutUint16(reply[8:10], uint16(bindAddr.Port))
		return reply
	}

	ip6 := bindAddr.IP.To16()
	reply := make([]byte, 22)
	reply[0] = version5
	reply[1] = rep
	reply[2] = 0x00
	reply[3] = atypIPv6
	copy(reply[4:20], ip6)
	binary.BigEndian.PutUint16(reply[20:22], uint16(bindAddr.Port))
	return reply
}

// sendSuccessReply writes the Connecting→Relaying success reply using
// the outbound socket's post-connect local address.
func (s *Session) sendSuccessReply(bindAddr *net.TCPAddr) error {
	_, err := s.conn.Write(buildReply(repSuccess, bindAddr))
	return err
}

// replyAndClose moves the session to ReplyWriteThenClose and writes a
// failure reply; the deferred Close in Run then closes the connection
// and moves the session to Done.
func (s *Session) replyAndClose(rep byte, bindAddr *net.TCPAddr) {
	s.setState(StateReplyWriteThenClose)
	if _, err := s.conn.Write(buildReply(rep, bindAddr)); err != nil {
		applog.Debug().Str("session", s.id).Err(err).Msg("failed to write failure reply")
	}
}
