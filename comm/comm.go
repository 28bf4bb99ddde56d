/*Package comm provides an embeddable type for talking to serial and TCP lab
hardware.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  pick Terminators; a zero Tx terminator sends bytes as-is, which suits
		devices driven by single keystrokes
	3.  Lock the device around each exchange, so a request and its reply are
		never interleaved with another caller's

A minimal example for a sensor that responds to "RD?" with a value:

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) Read() (float64, error) {
		ms.Lock()
		defer ms.Unlock()
		if err := ms.Open(); err != nil {
			return 0, err
		}
		resp, err := ms.SendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// DefaultTimeout bounds connecting and each read or write
const DefaultTimeout = 3 * time.Second

// CreationFunc returns a new connection to something.  A closure should be
// used to encapsulate the variables needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Terminators are the bytes ending transmissions.  A zero Tx appends nothing.
type Terminators struct {
	Rx byte
	Tx byte
}

// CR is the carriage return convention used by most instruments
var CR = Terminators{Rx: '\r', Tx: '\r'}

// deadliner is satisfied by net.Conn
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

/*RemoteDevice has an address and a connection to it.

The embedded mutex is not taken by any method; users lock it around whole
exchanges.  None of the methods are safe for concurrent use without it.
*/
type RemoteDevice struct {
	sync.Mutex

	Addr     string
	IsSerial bool
	Term     Terminators
	Timeout  time.Duration

	// Dial overrides how the connection is made when it is not nil
	Dial CreationFunc

	Conn io.ReadWriteCloser

	serCfg *serial.Config
	rd     *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice.  cfg is used for serial
// devices and may be nil, in which case 9600 baud is assumed.
func NewRemoteDevice(addr string, isSerial bool, term Terminators, cfg *serial.Config) *RemoteDevice {
	if isSerial {
		if cfg == nil {
			cfg = &serial.Config{Baud: 9600}
		}
		cp := *cfg
		cp.Name = addr
		if cp.ReadTimeout == 0 {
			cp.ReadTimeout = DefaultTimeout
		}
		cfg = &cp
	}
	return &RemoteDevice{Addr: addr, IsSerial: isSerial, Term: term, Timeout: DefaultTimeout, serCfg: cfg}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

// Open the connection, setting the Conn variable.  It does nothing if the
// device is already open.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// refused connections are final, anything else is retried
	var last error
	op := func() error {
		conn, err := rd.dial()
		if err != nil {
			last = err
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		rd.attach(conn)
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.timeout(),
		Clock:               backoff.SystemClock})
	if err != nil {
		if last == nil {
			last = err
		}
		return fmt.Errorf("connecting to %s: %w", rd.Addr, last)
	}
	return nil
}

func (rd *RemoteDevice) dial() (io.ReadWriteCloser, error) {
	switch {
	case rd.Dial != nil:
		return rd.Dial()
	case rd.IsSerial:
		return serial.OpenPort(rd.serCfg)
	default:
		return net.DialTimeout("tcp", rd.Addr, rd.timeout())
	}
}

func (rd *RemoteDevice) attach(conn io.ReadWriteCloser) {
	rd.Conn = conn
	rd.rd = bufio.NewReader(conn)
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn, rd.rd = nil, nil
	return err
}

// Discard drops any input already buffered
func (rd *RemoteDevice) Discard() {
	if rd.rd != nil {
		rd.rd.Reset(rd.Conn)
	}
}

func (rd *RemoteDevice) deadline(read bool) {
	d, ok := rd.Conn.(deadliner)
	if !ok {
		return
	}
	t := time.Now().Add(rd.timeout())
	if read {
		d.SetReadDeadline(t)
	} else {
		d.SetWriteDeadline(t)
	}
}

// Send writes data to the remote, followed by the Tx terminator if there is one
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if rd.Term.Tx != 0 {
		b = append(b[:len(b):len(b)], rd.Term.Tx)
	}
	rd.deadline(false)
	_, err := rd.Conn.Write(b)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.deadline(true)
	buf, err := rd.rd.ReadBytes(rd.Term.Rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return buf[:len(buf)-1], nil
}

// ReadUntil reads until delim has been seen and returns everything before it
func (rd *RemoteDevice) ReadUntil(delim []byte) ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if len(delim) == 0 {
		return nil, nil
	}
	last := delim[len(delim)-1]
	var out []byte
	for {
		rd.deadline(true)
		chunk, err := rd.rd.ReadBytes(last)
		out = append(out, chunk...)
		if err != nil {
			return out, err
		}
		if bytes.HasSuffix(out, delim) {
			return out[:len(out)-len(delim)], nil
		}
	}
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}
