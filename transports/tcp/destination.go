package tcp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the uri scheme served by this transport
const Scheme = "tcp"

// DefaultQueue is used when a destination names no queue
const DefaultQueue = "default"

// Destination is a parsed tcp://host:port/queue uri
type Destination struct {
	Host  string
	Port  int
	Queue string
}

// ParseDestination parses a tcp uri. The queue path segment is optional.
func ParseDestination(uri string) (Destination, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid destination %q: %w", uri, err)
	}
	if u.Scheme != Scheme {
		return Destination{}, fmt.Errorf("invalid destination %q: scheme must be %s", uri, Scheme)
	}
	if u.Hostname() == "" {
		return Destination{}, fmt.Errorf("invalid destination %q: missing host", uri)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return Destination{}, fmt.Errorf("invalid destination %q: bad port", uri)
	}

	queue := strings.Trim(u.Path, "/")
	if queue == "" {
		queue = DefaultQueue
	}
	return Destination{Host: u.Hostname(), Port: port, Queue: queue}, nil
}

// Address returns host:port for dialing
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String returns the canonical uri
func (d Destination) String() string {
	return fmt.Sprintf("%s://%s/%s", Scheme, d.Address(), d.Queue)
}

// QueueOf returns the queue named by uri, or DefaultQueue when it has none or does not parse
func QueueOf(uri string) string {
	d, err := ParseDestination(uri)
	if err != nil {
		return DefaultQueue
	}
	return d.Queue
}
