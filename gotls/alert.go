package gotls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23

	maxSniffBuffer = 1 << 15
)

const (
	alertLevelWarning = 1
	alertLevelError   = 2
)

var alertText = map[uint8]string{
	0:   "close notify",
	10:  "unexpected message",
	20:  "bad record MAC",
	40:  "handshake failure",
	42:  "bad certificate",
	43:  "unsupported certificate",
	44:  "revoked certificate",
	45:  "expired certificate",
	46:  "unknown certificate",
	47:  "illegal parameter",
	48:  "unknown certificate authority",
	49:  "access denied",
	50:  "error decoding message",
	51:  "error decrypting message",
	70:  "protocol version not supported",
	71:  "insufficient security level",
	80:  "internal error",
	86:  "inappropriate fallback",
	90:  "user canceled",
	109: "missing extension",
	110: "unsupported extension",
	112: "unrecognized name",
	116: "certificate required",
	120: "no application protocol",
}

// PeerAlert is a plaintext alert received from the peer.
type PeerAlert struct {
	Level       uint8
	Description uint8
}

func (a PeerAlert) Error() string {
	level := "warning"
	if a.Level == alertLevelError {
		level = "fatal"
	}
	text, ok := alertText[a.Description]
	if !ok {
		text = "alert"
	}
	return fmt.Sprintf("gotls: peer sent %s alert: %s (%d)", level, text, a.Description)
}

// alertSniffer watches the inbound byte stream for plaintext alert records
// so handshake failures can name the peer's reason. It stops at the first
// ChangeCipherSpec or application data record, after which alerts are
// encrypted. The first handshake record is kept for fingerprinting.
type alertSniffer struct {
	buf   []byte
	done  bool
	last  *PeerAlert
	hello []byte
}

func (s *alertSniffer) feed(p []byte) {
	if s.done {
		return
	}
	s.buf = append(s.buf, p...)
	for {
		in := cryptobyte.String(s.buf)
		var (
			typ     uint8
			version uint16
			body    cryptobyte.String
		)
		if !in.ReadUint8(&typ) || !in.ReadUint16(&version) || !in.ReadUint16LengthPrefixed(&body) {
			break
		}
		switch typ {
		case recordTypeHandshake:
			if s.hello == nil {
				n := len(s.buf) - len(in)
				s.hello = append([]byte(nil), s.buf[:n]...)
			}
		case recordTypeAlert:
			var level, desc uint8
			if len(body) == 2 && body.ReadUint8(&level) && body.ReadUint8(&desc) {
				s.last = &PeerAlert{Level: level, Description: desc}
			}
		case recordTypeChangeCipherSpec, recordTypeApplicationData:
			s.stop()
			return
		}
		s.buf = []byte(in)
	}
	if len(s.buf) > maxSniffBuffer {
		s.stop()
	}
}

func (s *alertSniffer) stop() {
	s.done = true
	s.buf = nil
}

// alert returns the last plaintext alert seen, if any.
func (s *alertSniffer) alert() (PeerAlert, bool) {
	if s.last == nil {
		return PeerAlert{}, false
	}
	return *s.last, true
}
