package endpoint

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	// MaxOctet is the largest accepted value for any address octet. Values
	// above it (multicast and reserved ranges) are rejected.
	MaxOctet = 223

	MinPort = 1024
	MaxPort = 49151
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid endpoint")

// Endpoint is a validated IPv4 address and port identifying a remote node.
// The zero value is not valid; use New or Parse.
type Endpoint struct {
	address string
	port    int
}

// New validates address and port and returns the Endpoint.
func New(address string, port int) (Endpoint, error) {
	octets := strings.Split(address, ".")
	if len(octets) != 4 {
		return Endpoint{}, fmt.Errorf("%w: address %q must have four octets", ErrInvalid, address)
	}

	parsed := make([]string, 0, 4)
	for _, octet := range octets {
		value, err := strconv.Atoi(octet)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: octet %q is not a number", ErrInvalid, octet)
		}
		if value < 0 || value > MaxOctet {
			return Endpoint{}, fmt.Errorf("%w: octet %d out of range [0,%d]", ErrInvalid, value, MaxOctet)
		}
		parsed = append(parsed, strconv.Itoa(value))
	}

	if port < MinPort || port > MaxPort {
		return Endpoint{}, fmt.Errorf("%w: port %d out of range [%d,%d]", ErrInvalid, port, MinPort, MaxPort)
	}

	return Endpoint{address: strings.Join(parsed, "."), port: port}, nil
}

// Parse reads a single "A.B.C.D,PORT" config line.
func Parse(line string) (Endpoint, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 2 {
		return Endpoint{}, fmt.Errorf("%w: expected \"address,port\", got %q", ErrInvalid, line)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: port %q is not a number", ErrInvalid, fields[1])
	}

	return New(fields[0], port)
}

// ReadFile parses the first line of the file at path.
func ReadFile(path string) (Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to open endpoint file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Endpoint{}, fmt.Errorf("failed to read endpoint file: %w", err)
		}
		return Endpoint{}, fmt.Errorf("%w: endpoint file %s is empty", ErrInvalid, path)
	}

	return Parse(scanner.Text())
}

func (e Endpoint) Address() string { return e.address }

func (e Endpoint) Port() int { return e.port }

// String returns the dialable "host:port" form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.address, strconv.Itoa(e.port))
}

// IsZero reports whether e was never constructed.
func (e Endpoint) IsZero() bool {
	return e.address == "" && e.port == 0
}
