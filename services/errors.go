// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"errors"
	"fmt"

	"github.com/InletAI/InletDocs/retrieval"
)

// ValidationError reports a malformed question payload. It is surfaced
// to the client as a scoped error event; the connection stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid question payload: %s %s", e.Field, e.Reason)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UpstreamError wraps a collaborator failure with the pipeline stage it
// occurred in. The stage and cause go to the logs; the client only ever
// sees a generic message.
type UpstreamError struct {
	Stage Stage
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream failure at stage %s: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstreamError checks if an error is an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// Client-safe messages. Provider detail never crosses the channel.
const (
	genericErrorMessage    = "Something went wrong while answering your question. Please try again."
	validationErrorMessage = "Both documentId and questionText are required."
	overloadedErrorMessage = "The service is busy right now. Please try again in a moment."
)

// ClientMessage maps any pipeline error to a non-leaking message for the
// error event.
func ClientMessage(err error) string {
	switch {
	case IsValidationError(err):
		return validationErrorMessage
	case retrieval.IsCircuitOpenError(err):
		return overloadedErrorMessage
	default:
		return genericErrorMessage
	}
}
