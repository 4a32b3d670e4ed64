// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package provider

import (
	"context"
	"errors"
	"net"
	"net/http"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// StatusError maps an upstream failure to a provider code. status is the
// HTTP status reported by the SDK, or 0 when the call never got a response.
func StatusError(name string, status int, err error) error {
	if err == nil {
		return nil
	}
	code := nderr.CodeProviderUpstreamFailure
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = nderr.CodeProviderTimeout
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		code = nderr.CodeProviderAuthUnauthorized
	case status == http.StatusTooManyRequests:
		code = nderr.CodeProviderRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		code = nderr.CodeProviderTimeout
	case status >= 400 && status < 500:
		code = nderr.CodeProviderRequestInvalid
	case status == 0 && isNetTimeout(err):
		code = nderr.CodeProviderTimeout
	}
	return nderr.New(code, name+": "+err.Error(), nderr.FieldProvider(name), nderr.Field("status", status))
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrorEvent builds the terminal error event of a chat stream.
func ErrorEvent(err error) ChatEvent {
	return ChatEvent{Type: EventTypeError, Err: err}
}
