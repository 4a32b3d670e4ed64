// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreSessionGetNotFound    Code = "store.session.get.not_found"
	CodeStoreSessionUpdateConflict Code = "store.session.update.conflict"
	CodeStoreSessionCreateConflict Code = "store.session.create.conflict"
	CodeStoreMessageAppendInvalid  Code = "store.message.append.invalid_input"
	CodeStoreDatabaseFailure       Code = "store.database.failure"
	CodeStoreEncodeFailure         Code = "store.encode.failure"
	CodeStoreBackendUnsupported    Code = "store.backend.unsupported"
	CodeStoreInvalidInput          Code = "store.invalid_input"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeProviderRequestInvalid   Code = "provider.request.invalid"
	CodeProviderResponseInvalid  Code = "provider.response.invalid"
	CodeProviderUpstreamFailure  Code = "provider.upstream.failure"
	CodeProviderNotFound         Code = "provider.registry.not_found"
	CodeProviderAllUnavailable   Code = "provider.routing.all_unavailable"
	CodeProviderNoDefault        Code = "provider.routing.no_default"
	CodeProviderInvalidModelRef  Code = "provider.routing.invalid_model_ref"
	CodeProviderAuthUnauthorized Code = "provider.auth.unauthorized"
	CodeProviderRateLimited      Code = "provider.rate.limited"
	CodeProviderTimeout          Code = "provider.call.timeout"

	CodeOracleDecisionInvalid Code = "oracle.decision.invalid"
	CodeOracleCallTransient   Code = "oracle.call.transient"
	CodeOracleCallFatal       Code = "oracle.call.fatal"

	CodeActionArgsInvalid        Code = "action.args.invalid"
	CodeActionNotFound           Code = "action.registry.not_found"
	CodeActionRegisterConflict   Code = "action.register.conflict"
	CodeActionDefinitionInvalid  Code = "action.definition.invalid"
	CodeActionInvokeTimeout      Code = "action.invoke.timeout"
	CodeActionInvokeFailure      Code = "action.invoke.failure"
	CodeActionInventoryReadFails Code = "action.inventory.read.failure"

	CodeAgentTaskInvalid         Code = "agent.task.invalid"
	CodeAgentSessionInvalidState Code = "agent.session.invalid_state"
	CodeAgentSessionNotFound     Code = "agent.session.not_found"
	CodeAgentLoopRepeatedFailure Code = "agent.loop.repeated_failure"
	CodeAgentPersistFailure      Code = "agent.persist.failure"
	CodeAgentLoopCancelled       Code = "agent.loop.cancelled"
	CodeAgentLaneClosed          Code = "agent.lane.closed"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"
	CodeServerRateLimited     Code = "server.rate.limited"

	CodeCLIServerNotRunning Code = "cli.server.not_running"
	CodeCLIRequestFailure   Code = "cli.request.failure"
	CodeCLIResponseInvalid  Code = "cli.response.invalid"
	CodeCLISetupFailure     Code = "cli.setup.failure"
	CodeCLIInputInvalid     Code = "cli.input.invalid"

	CodeSecretNotFound     Code = "secret.keyring.not_found"
	CodeSecretStoreFailure Code = "secret.keyring.failure"
	CodeSecretURIInvalid   Code = "secret.uri.invalid"
	CodeSecretInputInvalid Code = "secret.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldAction(value string) Attr {
	return Field("action", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldStep(value int) Attr {
	return Field("step", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

// CodeOf returns the innermost code in the chain. oops resolves codes from
// the deepest coded error, so a wrap never hides the original code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsInvalidState(err error) bool {
	return reason(CodeOf(err)) == "invalid_state"
}

func IsUnauthorized(err error) bool {
	return reason(CodeOf(err)) == "unauthorized"
}

func IsRateLimited(err error) bool {
	return reason(CodeOf(err)) == "limited"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err), IsInvalidState(err):
		return http.StatusConflict
	case HasCode(err, CodeAgentTaskInvalid), HasCode(err, CodeActionArgsInvalid):
		return http.StatusUnprocessableEntity
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case IsRateLimited(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
