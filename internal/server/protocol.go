package server

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ProtocolVersion is the command protocol version spoken by this server.
const ProtocolVersion = "v1.0.0"

// canonicalVersion returns the version in canonical semver format.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// CheckProtocol reports an error if a client speaking version cannot talk
// to this server. Versions are compatible when their major versions match.
func CheckProtocol(version string) error {
	client := canonicalVersion(version)
	if !semver.IsValid(client) {
		return fmt.Errorf("invalid protocol version %q", version)
	}
	if semver.Major(client) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("unsupported protocol version %s: server speaks %s", semver.Canonical(client), ProtocolVersion)
	}
	return nil
}
