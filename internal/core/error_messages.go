package core

// error_messages.go maps errors to user-facing messages with a code that
// users can quote to support.
//
// Codes by category:
//
//	OT001    Revision out of range        client is ahead of or behind the log
//	OT002    Protocol violation           malformed operation or bad session state
//	OT003    Unresolved symbol            reference to a row or column never confirmed
//	DOC001   Invalid document id
//	DOC002   Broadcast failed             operation committed, sessions must reload
//	SES001   Too many sessions
//	IMP001   Too many imports
//	FILE001  File too large
//	FILE002  Invalid CSV
//	FILE005  Empty file
//	DB001    Duplicate key                SQLSTATE 23505
//	DB003    Foreign key violation        SQLSTATE 23503
//	DB004    Connection failure           SQLSTATE class 08, "connection refused"
//	DB007    Deadlock or serialization    SQLSTATE 40P01, 40001
//	REQ001   Request cancelled
//	REQ002   Request timed out
//	RATE001  Rate limited
//	ERR000   Anything else; check the logs for the original error
//
// Sentinel errors are matched with errors.Is first, then PostgreSQL errors by
// SQLSTATE, then the remaining patterns against the lowercased message.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages is checked in order; the first match wins.
var sentinelMessages = []sentinelMessage{
	{ot.ErrRevisionOutOfRange, UserMessage{
		Message: "Your copy of the document is out of date",
		Action:  "Reload the document",
		Code:    "OT001",
	}},
	{ot.ErrProtocolViolation, UserMessage{
		Message: "The edit could not be understood",
		Action:  "Reload the document and try again",
		Code:    "OT002",
	}},
	{ot.ErrUnresolvedSymbol, UserMessage{
		Message: "The edit refers to a row or column that does not exist",
		Action:  "Reload the document and try again",
		Code:    "OT003",
	}},
	{ErrInvalidDocumentID, UserMessage{
		Message: "Invalid document id",
		Action:  "Use letters, digits, dashes and underscores (at most 64)",
		Code:    "DOC001",
	}},
	{ErrBroadcastFailed, UserMessage{
		Message: "The edit was saved but could not be sent to other editors",
		Action:  "Reload the document",
		Code:    "DOC002",
	}},
	{ErrTooManySessions, UserMessage{
		Message: "Too many people are editing right now",
		Action:  "Please wait a moment and try again",
		Code:    "SES001",
	}},
	{ErrTooManyImports, UserMessage{
		Message: "System is busy processing other imports",
		Action:  "Please wait a moment and try again",
		Code:    "IMP001",
	}},
	{ErrFileTooLarge, UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE001",
	}},
	{ErrInvalidCSV, UserMessage{
		Message: "File is not a valid CSV",
		Action:  "Ensure file is comma-separated with consistent columns",
		Code:    "FILE002",
	}},
	{ErrEmptyFile, UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Please upload a CSV file with a header row",
		Code:    "FILE005",
	}},
	{context.Canceled, UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "REQ001",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Request timed out",
		Action:  "Try a smaller file or try again later",
		Code:    "REQ002",
	}},
}

var (
	msgDuplicateKey = UserMessage{
		Message: "A record with this ID already exists",
		Action:  "Reload the document and try again",
		Code:    "DB001",
	}
	msgForeignKey = UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Reload the document and try again",
		Code:    "DB003",
	}
	msgConnection = UserMessage{
		Message: "Unable to connect to database",
		Action:  "Please try again in a few moments",
		Code:    "DB004",
	}
	msgConflict = UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB007",
	}
	msgRateLimited = UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}
)

// errorPatterns is matched against the lowercased error text when nothing
// typed matched. Specific patterns come first.
var errorPatterns = []struct {
	pattern string
	msg     UserMessage
}{
	{"duplicate key", msgDuplicateKey},
	{"violates foreign key", msgForeignKey},
	{"connection refused", msgConnection},
	{"connection reset", msgConnection},
	{"deadlock", msgConflict},
	{"rate limit", msgRateLimited},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-facing message. A nil error maps to
// the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return msgDuplicateKey
		case pgErr.Code == "23503":
			return msgForeignKey
		case pgErr.Code == "40P01" || pgErr.Code == "40001":
			return msgConflict
		case strings.HasPrefix(pgErr.Code, "08"):
			return msgConnection
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error, kept for logging, with its
// user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
