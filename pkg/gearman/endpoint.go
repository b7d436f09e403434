package gearman

import (
	"net"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// Endpoint is one job server address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoints parses "host[:port][,host[:port]...]" values. Ports default
// to DefaultPort and duplicates are dropped, keeping the first occurrence.
func ParseEndpoints(values ...string) ([]Endpoint, error) {
	var endpoints []Endpoint
	seen := make(map[string]bool)

	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			endpoint, err := parseEndpoint(item)
			if err != nil {
				return nil, err
			}
			if seen[endpoint.Address()] {
				continue
			}
			seen[endpoint.Address()] = true
			endpoints = append(endpoints, endpoint)
		}
	}

	return endpoints, nil
}

func parseEndpoint(item string) (Endpoint, error) {
	host, portStr := item, ""

	switch {
	case strings.HasPrefix(item, "["):
		end := strings.Index(item, "]")
		if end < 0 {
			return Endpoint{}, errors.NewValidationError("invalid server address: "+item, nil)
		}
		host = item[1:end]
		rest := item[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return Endpoint{}, errors.NewValidationError("invalid server address: "+item, nil)
			}
			portStr = rest[1:]
		}
	case strings.Count(item, ":") == 1:
		host, portStr, _ = strings.Cut(item, ":")
	}

	if host == "" {
		return Endpoint{}, errors.NewValidationError("server host cannot be empty: "+item, nil)
	}

	port := DefaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, errors.NewValidationError("invalid server port: "+item, err)
		}
		port = p
	}

	return Endpoint{Host: host, Port: port}, nil
}
