// Package provider implements the mail provider adapters and their
// factory. Every adapter translates provider failures into the fault
// taxonomy at this boundary.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"papergraph/pkg/fault"
)

const defaultRetryAfter = 30 * time.Second

// translateHTTP maps a provider HTTP status to a fault kind. 401 means
// the stored grant is dead; 429 is retried after the advertised delay;
// 5xx is transient; the remaining 4xx are permanent.
func translateHTTP(status int, retryAfter string, msg string) error {
	switch {
	case status == http.StatusUnauthorized:
		return fault.Newf(fault.KindCredentialRevoked, "provider rejected token: %s", msg)
	case status == http.StatusTooManyRequests:
		return fault.RateLimited(msg, parseRetryAfter(retryAfter))
	case status >= 500:
		return fault.Newf(fault.KindProviderTransient, "provider %d: %s", status, msg)
	case status >= 400:
		return fault.Newf(fault.KindProviderPermanent, "provider %d: %s", status, msg)
	default:
		return fault.Newf(fault.KindInternal, "unexpected provider status %d: %s", status, msg)
	}
}

// translateErr classifies any provider call error: structured API
// errors by status, OAuth errors by grant state, and everything
// network-shaped as transient.
func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return translateHTTP(gerr.Code, gerr.Header.Get("Retry-After"), op+": "+gerr.Message)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || (rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized) {
			return fault.Wrap(fault.KindCredentialRevoked, op+": grant rejected", err)
		}
		if rerr.Response != nil {
			return translateHTTP(rerr.Response.StatusCode, rerr.Response.Header.Get("Retry-After"), op)
		}
	}

	if strings.Contains(err.Error(), "invalid_grant") {
		return fault.Wrap(fault.KindCredentialRevoked, op+": grant rejected", err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindProviderTransient, op+": network failure", err)
	}

	return fault.Wrap(fault.KindProviderTransient, op, err)
}

// parseRetryAfter reads a Retry-After header, seconds form only.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}
