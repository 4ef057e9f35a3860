package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside allowed window")
)

// Slack rejects requests whose timestamp is more than five minutes old.
const slackTimestampWindow = 5 * time.Minute

func hexHMAC(secret string, data []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHMAC checks a hex encoded HMAC-SHA256 of body. A "sha256=" prefix on
// signature is ignored.
func VerifyHMAC(secret string, body []byte, signature string) error {
	if secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if !hmac.Equal([]byte(hexHMAC(secret, body)), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifySlack checks the v0 request signature and that timestamp is within
// five minutes of now.
func VerifySlack(secret string, body []byte, signature, timestamp string, now time.Time) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, timestamp)
	}
	age := now.Sub(time.Unix(seconds, 0))
	if age > slackTimestampWindow || age < -slackTimestampWindow {
		return ErrStaleTimestamp
	}

	base := make([]byte, 0, len(body)+len(timestamp)+4)
	base = append(base, "v0:"+timestamp+":"...)
	base = append(base, body...)
	expected := "v0=" + hexHMAC(secret, base)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignSlack returns the X-Slack-Signature value for body at timestamp.
func SignSlack(secret string, body []byte, timestamp string) string {
	return "v0=" + hexHMAC(secret, append([]byte("v0:"+timestamp+":"), body...))
}

// Sign returns the hex HMAC-SHA256 of body, as GitHub, Jira and Sentry send it.
func Sign(secret string, body []byte) string {
	return hexHMAC(secret, body)
}
