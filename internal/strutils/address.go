package strutils

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const MAX_HOST_LENGTH = 253

// Lowercases the host and validates that the address is a host:port pair with a usable port
func NormalizeAddress(address string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("address is not host:port. input: '%s': %w", address, err)
	}

	if host == "" {
		return "", fmt.Errorf("address is missing a host. input: '%s'", address)
	}
	if len(host) > MAX_HOST_LENGTH {
		return "", fmt.Errorf("address host is too long. input: '%s'", address)
	}
	if strings.ContainsAny(host, " /\\?#@") {
		return "", fmt.Errorf("invalid character in address host. input: '%s'", address)
	}

	portNumber, err := strconv.Atoi(port)
	if err != nil || portNumber < 1 || portNumber > 65535 {
		return "", fmt.Errorf("address has an invalid port. input: '%s'", address)
	}

	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(portNumber)), nil
}

func AddressIsNormalized(address string) bool {
	normalized, err := NormalizeAddress(address)
	return err == nil && normalized == address
}
