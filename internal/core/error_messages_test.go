package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"revision out of range", fmt.Errorf("%w: 7 > 3", ot.ErrRevisionOutOfRange), "OT001"},
		{"protocol violation", fmt.Errorf("%w: ack while synchronized", ot.ErrProtocolViolation), "OT002"},
		{"unresolved symbol", fmt.Errorf("resolve: %w", ot.ErrUnresolvedSymbol), "OT003"},
		{"invalid document id", ValidateDocumentID("a b"), "DOC001"},
		{"broadcast failure", fmt.Errorf("%w: %w", ErrBroadcastFailed, errors.New("redis down")), "DOC002"},
		{"too many sessions", ErrTooManySessions, "SES001"},
		{"too many imports", ErrTooManyImports, "IMP001"},
		{"file too large", fmt.Errorf("%w: more than 10 bytes", ErrFileTooLarge), "FILE001"},
		{"invalid csv", fmt.Errorf("%w: record on line 3", ErrInvalidCSV), "FILE002"},
		{"empty file", ErrEmptyFile, "FILE005"},
		{"context cancelled", context.Canceled, "REQ001"},
		{"deadline exceeded", fmt.Errorf("query: %w", context.DeadlineExceeded), "REQ002"},
		{"postgres unique violation", &pgconn.PgError{Code: "23505"}, "DB001"},
		{"postgres foreign key", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"}), "DB003"},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, "DB007"},
		{"postgres connection class", &pgconn.PgError{Code: "08006"}, "DB004"},
		{"connection refused text", errors.New("dial tcp: connection refused"), "DB004"},
		{"case insensitive text", errors.New("DUPLICATE KEY value violates"), "DB001"},
		{"rate limit text", errors.New("rate limit exceeded"), "RATE001"},
		{"unknown error returns default", errors.New("some random internal error"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if tt.err != nil && got.Message == "" {
				t.Error("MapError() message is empty")
			}
		})
	}
}

func TestMapError_SentinelBeatsText(t *testing.T) {
	// Text patterns never override a sentinel.
	err := fmt.Errorf("%w: connection refused", ot.ErrProtocolViolation)
	if got := MapError(err).Code; got != "OT002" {
		t.Errorf("code = %q, want OT002", got)
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(ErrEmptyFile)

	expected := "The uploaded file is empty (Code: FILE005). Please upload a CSV file with a header row"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", ot.ErrRevisionOutOfRange, true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
		userErr := NewUserError(techErr)

		if userErr.Error() != "A record with this ID already exists" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, techErr) {
			t.Error("Unwrap() should return original error")
		}
	})
}
