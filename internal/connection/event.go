package connection

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"syscall"
)

// Event is a broker lifecycle notification. The set of implementations is
// closed; Handler.Handle switches over all of them.
type Event interface {
	isEvent()
	Kind() string
}

type Connected struct{}

type Disconnected struct{}

type SubscribeAck struct {
	ID uint16
}

type PublishAck struct {
	ID uint16
}

type DataReceived struct {
	Topic   string
	Payload []byte
}

// TransportError reports a failure below the MQTT layer. Code is the socket
// errno when Category is CategorySocket and zero otherwise.
type TransportError struct {
	Category Category
	Code     int
	Err      error
}

func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (SubscribeAck) isEvent()   {}
func (PublishAck) isEvent()     {}
func (DataReceived) isEvent()   {}
func (TransportError) isEvent() {}

func (Connected) Kind() string      { return "connected" }
func (Disconnected) Kind() string   { return "disconnected" }
func (SubscribeAck) Kind() string   { return "subscribe_ack" }
func (PublishAck) Kind() string     { return "publish_ack" }
func (DataReceived) Kind() string   { return "data" }
func (TransportError) Kind() string { return "transport_error" }

// Category groups transport errors by remediation.
type Category int

const (
	// CategoryTransport covers timeouts, resets and broker-side refusals: retry.
	CategoryTransport Category = iota
	// CategorySecurity covers TLS handshake and certificate failures: reconfigure.
	CategorySecurity
	// CategorySocket covers errno-level socket failures: abort the attempt.
	CategorySocket
)

func (c Category) String() string {
	switch c {
	case CategoryTransport:
		return "transport"
	case CategorySecurity:
		return "security"
	case CategorySocket:
		return "socket"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) Remediation() string {
	switch c {
	case CategorySecurity:
		return "reconfigure"
	case CategorySocket:
		return "abort"
	default:
		return "retry"
	}
}

// Classify builds a TransportError from an error returned by the broker
// client, unwrapping to find TLS or errno causes.
func Classify(err error) TransportError {
	var (
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		errno      syscall.Errno
	)
	switch {
	case err == nil:
		return TransportError{Category: CategoryTransport}
	case errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &certErr),
		errors.As(err, &unknownCA),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return TransportError{Category: CategorySecurity, Err: err}
	case errors.As(err, &errno):
		return TransportError{Category: CategorySocket, Code: int(errno), Err: err}
	default:
		return TransportError{Category: CategoryTransport, Err: err}
	}
}
