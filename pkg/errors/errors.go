// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error. Codes follow the
// "area.op.reason" shape; classification helpers look only at the reason.
type Code string

const (
	CodeProtocolDecodeUnknownKind   Code = "protocol.decode.unknown_kind"
	CodeProtocolDecodeIncomplete    Code = "protocol.decode.incomplete"
	CodeProtocolDecodeMalformed     Code = "protocol.decode.malformed"
	CodeProtocolEncodeFrameTooLarge Code = "protocol.encode.frame_too_large"
	CodeProtocolSequenceGap         Code = "protocol.sequence.gap"
	CodeProtocolPayloadInvalid      Code = "protocol.payload.invalid"

	CodeHostConnClosed       Code = "host.conn.closed"
	CodeHostWriteFailure     Code = "host.write.failure"
	CodeHostMethodNotFound   Code = "host.method.not_found"
	CodeHostRequestInvalid   Code = "host.request.invalid_input"
	CodeHostAlreadyConnected Code = "host.conn.conflict"

	CodeStoreSessionGetNotFound    Code = "store.session.get.not_found"
	CodeStoreSessionCreateConflict Code = "store.session.create.conflict"
	CodeStoreSessionInvalid        Code = "store.session.invalid_input"
	CodeStoreTurnAppendInvalid     Code = "store.turn.append.invalid_input"
	CodeStoreDatabaseFailure       Code = "store.database.failure"
	CodeStoreBackendUnsupported    Code = "store.backend.unsupported"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeProviderRequestInvalid  Code = "provider.request.invalid"
	CodeProviderResponseInvalid Code = "provider.response.invalid"
	CodeProviderUpstreamFailure Code = "provider.upstream.failure"
	CodeProviderNotFound        Code = "provider.registry.not_found"
	CodeProviderAllUnavailable  Code = "provider.routing.all_unavailable"
	CodeProviderNoDefault       Code = "provider.routing.no_default"
	CodeProviderInvalidModelRef Code = "provider.routing.invalid_model_ref"

	CodeAgentLoopInvalidInput       Code = "agent.loop.invalid_input"
	CodeAgentLoopFailure            Code = "agent.loop.failure"
	CodeAgentLoopLimitExceeded      Code = "agent.loop.limit_exceeded"
	CodeAgentLoopCancelled          Code = "agent.loop.cancelled"
	CodeAgentLoopTransitionInvalid  Code = "agent.loop.transition.invalid"
	CodeAgentSessionBusy            Code = "agent.session.busy"
	CodeAgentSessionNotFound        Code = "agent.session.not_found"
	CodeAgentSessionClosed          Code = "agent.session.closed"
	CodeAgentToolInvalidArguments   Code = "agent.tool.invalid_arguments"
	CodeAgentToolTimeout            Code = "agent.tool.timeout"
	CodeAgentToolFailure            Code = "agent.tool.failure"
	CodeAgentToolRegisterInvalid    Code = "agent.tool.register.invalid"
	CodeAgentToolFileInvalid        Code = "agent.tool.file.invalid_format"
	CodeAgentDiagnosticsUnavailable Code = "agent.diagnostics.unavailable"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"

	CodeSecretInvalidInput   Code = "secret.input.invalid_input"
	CodeSecretNotFound       Code = "secret.get.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// FieldValue creates a structured error field.
func FieldValue(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Field is kept as the primary helper for terse callsites.
func Field(key string, value any) Attr {
	return FieldValue(key, value)
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldCorrelationID(value string) Attr {
	return Field("correlation_id", value)
}

func FieldCallID(value string) Attr {
	return Field("call_id", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
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

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
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
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" ||
		r == "invalid_format" || r == "invalid_arguments"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func IsCancelled(err error) bool {
	return reason(CodeOf(err)) == "cancelled"
}

func IsLimitExceeded(err error) bool {
	return reason(CodeOf(err)) == "limit_exceeded"
}

// IsProtocol reports whether err originated in envelope framing or decoding.
func IsProtocol(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "protocol.")
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err), HasCode(err, CodeAgentSessionBusy):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
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
