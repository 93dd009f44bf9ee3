package adapter

import (
	"errors"
	"regexp"
	"strings"
)

// Patterns for secret material that must never reach logs: connection
// string passwords, password flags on dump/client command lines, and
// key file paths.
var (
	dsnPasswordRe       = regexp.MustCompile(`(://[^:/@\s]+):[^@\s]+@`)
	longPasswordFlagRe  = regexp.MustCompile(`(?i)(--password[=\s])\S+`)
	shortPasswordFlagRe = regexp.MustCompile(`(^|\s)-p\S+`)
	envPasswordRe       = regexp.MustCompile(`(?i)((?:MYSQL_PWD|PGPASSWORD)=)\S+`)
	keyFileRe           = regexp.MustCompile(`(?i)(--(?:identity|key-file|ssh-key)[=\s])\S+`)
)

// SanitizeText strips embedded credentials, password flags, and key
// file paths from s, then masks every explicitly supplied secret.
func SanitizeText(s string, secrets ...string) string {
	s = dsnPasswordRe.ReplaceAllString(s, "$1:***@")
	s = longPasswordFlagRe.ReplaceAllString(s, "$1***")
	s = shortPasswordFlagRe.ReplaceAllString(s, "$1-p***")
	s = envPasswordRe.ReplaceAllString(s, "$1***")
	s = keyFileRe.ReplaceAllString(s, "$1***")
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

// SanitizeError returns err with its message sanitized. The error chain
// is flattened: callers at stage boundaries only log the text.
func SanitizeError(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	return errors.New(SanitizeText(err.Error(), secrets...))
}
