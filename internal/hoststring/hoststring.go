// Package hoststring parses and normalizes the [user[:pw]@]host[:port]
// host specifications used throughout fleetssh.
package hoststring

import (
	"fmt"
	"strconv"
	"strings"
)

// HostString is the parsed tuple (user, host, port). Its canonical string
// form is "user@host:port"; equality (via String) is used as the connection
// cache key.
type HostString struct {
	User     string
	Host     string
	Port     int
	Password string // stashed here transiently by Parse; callers move it into env.Passwords
}

// BadHostStringError is returned when a host specification cannot be parsed.
type BadHostStringError struct {
	Input  string
	Reason string
}

func (e *BadHostStringError) Error() string {
	return fmt.Sprintf("bad host string %q: %s", e.Input, e.Reason)
}

// Parse parses spec against defaults for user and port (typically
// env.user and env.port). A password embedded as user:password@host is
// extracted into the returned HostString.Password and is not part of the
// canonical String() form.
func Parse(spec string, defaultUser string, defaultPort int) (HostString, error) {
	hs := HostString{User: defaultUser, Port: defaultPort}

	if strings.TrimSpace(spec) == "" {
		return hs, &BadHostStringError{Input: spec, Reason: "empty host string"}
	}

	rest := spec
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userPart := rest[:at]
		rest = rest[at+1:]
		if userPart == "" {
			return hs, &BadHostStringError{Input: spec, Reason: "empty user before '@'"}
		}
		if colon := strings.Index(userPart, ":"); colon >= 0 {
			hs.User = userPart[:colon]
			hs.Password = userPart[colon+1:]
		} else {
			hs.User = userPart
		}
	}

	host, portStr, err := splitHostPort(rest)
	if err != nil {
		return hs, &BadHostStringError{Input: spec, Reason: err.Error()}
	}
	if host == "" {
		return hs, &BadHostStringError{Input: spec, Reason: "empty host"}
	}
	hs.Host = host

	if portStr == "" {
		if sshPort, ok := SSHConfigPort(host); ok {
			hs.Port = sshPort
		}
	}

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return hs, &BadHostStringError{Input: spec, Reason: fmt.Sprintf("non-numeric port %q", portStr)}
		}
		if port < 1 || port > 65535 {
			return hs, &BadHostStringError{Input: spec, Reason: fmt.Sprintf("port %d out of range", port)}
		}
		hs.Port = port
	}

	return hs, nil
}

// splitHostPort separates "host:port" honoring bracketed IPv6 literals like
// "[::1]:22".
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end == -1 {
			return "", "", fmt.Errorf("missing closing ']' in IPv6 host")
		}
		host = s[1:end]
		remainder := s[end+1:]
		if strings.HasPrefix(remainder, ":") {
			port = remainder[1:]
		} else if remainder != "" {
			return "", "", fmt.Errorf("unexpected trailing characters %q", remainder)
		}
		return host, port, nil
	}

	if idx := strings.LastIndex(s, ":"); idx >= 0 && strings.Count(s, ":") == 1 {
		return s[:idx], s[idx+1:], nil
	}
	return s, "", nil
}

// String renders the canonical "user@host:port" form, without a password.
func (h HostString) String() string {
	host := h.Host
	if strings.Count(host, ":") > 1 {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s@%s:%d", h.User, host, h.Port)
}

// CacheKey is the connection-cache identity: canonical host string plus,
// when set, the gateway's own canonical host string.
func (h HostString) CacheKey(gateway string) string {
	if gateway == "" {
		return h.String()
	}
	return h.String() + "|via:" + gateway
}

// Denormalize renders spec with the default user and port 22 elided, for
// user-facing log lines like "Disconnecting from h1... done." instead of
// "root@h1:22".
func Denormalize(h HostString, defaultUser string) string {
	var b strings.Builder
	if h.User != "" && h.User != defaultUser {
		b.WriteString(h.User)
		b.WriteString("@")
	}
	host := h.Host
	if h.Port != 22 && strings.Count(host, ":") > 1 {
		host = "[" + host + "]"
	}
	b.WriteString(host)
	if h.Port != 0 && h.Port != 22 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(h.Port))
	}
	return b.String()
}
