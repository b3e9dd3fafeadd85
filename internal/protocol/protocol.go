package protocol

import (
	"fmt"
	"strings"
)

const (
	ServiceName     = "XSLT Transformer"
	Version         = "1.1.0"
	ProtocolVersion = "3"

	// DefaultKeyword names the only handler in single mode.
	DefaultKeyword = "default"

	// ResponseEnd terminates multi-frame responses (reload, list-handlers).
	ResponseEnd = "XTSTResponseEnd"

	SuccessPrefix = "Success: "
	ErrorPrefix   = "Error: "
)

// Fixed status messages.
const (
	MsgSendDocument   = "send the XML document now"
	MsgTransformed    = "transformation succeeded"
	MsgReloaded       = "handler(s) reloaded"
	MsgUnknownCommand = "Unknown command"
	MsgMissingKeyword = "missing keyword"
)

// Banner is the greeting frame sent on every new connection.
func Banner() string {
	return fmt.Sprintf("%s server version %s, protocol version: %s\n", ServiceName, Version, ProtocolVersion)
}

// ParseBanner extracts the protocol version from a greeting frame.
func ParseBanner(banner string) (string, error) {
	_, version, ok := strings.Cut(banner, "protocol version:")
	if !ok {
		return "", fmt.Errorf("protocol: malformed banner %q", strings.TrimSpace(banner))
	}
	return strings.TrimSpace(version), nil
}

func Success(msg string) string {
	return SuccessPrefix + msg
}

func Error(msg string) string {
	return ErrorPrefix + msg
}

func Errorf(format string, args ...any) string {
	return ErrorPrefix + fmt.Sprintf(format, args...)
}

// UnknownKeyword is the error status for an unregistered keyword.
func UnknownKeyword(keyword string) string {
	return Errorf("unknown keyword '%s'", keyword)
}

// Invalid is the error status for a schema validation failure.
func Invalid(diagnostic string) string {
	return Errorf("invalid %s", diagnostic)
}

func IsSuccess(status string) bool {
	return strings.HasPrefix(status, SuccessPrefix)
}

func IsError(status string) bool {
	return strings.HasPrefix(status, ErrorPrefix)
}
