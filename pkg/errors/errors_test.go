package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, publicMsg: "state transition disallowed", detailsOK: true},
		{code: CodeTransient, status: http.StatusServiceUnavailable, publicMsg: "temporary failure", retryable: true},
		{code: CodePoisonMessage, status: http.StatusUnprocessableEntity, publicMsg: "message cannot be processed", detailsOK: true},
		{code: CodeSerialization, status: http.StatusBadRequest, publicMsg: "malformed payload", detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("broker unreachable")
	wrapped := Wrap(CodeTransient, cause, "publish order.created")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if !strings.Contains(wrapped.Error(), "broker unreachable") {
		t.Fatalf("expected cause in message, got %q", wrapped.Error())
	}
}

func TestIsCodeWalksChain(t *testing.T) {
	inner := New(CodeSerialization, "bad json")
	outer := fmt.Errorf("decode: %w", Wrap(CodeInternal, inner, "handler"))
	if !IsCode(outer, CodeSerialization) {
		t.Fatalf("expected serialization code to be found in chain")
	}
	if IsCode(outer, CodeNotFound) {
		t.Fatalf("unexpected not found match")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil must not be retryable")
	}
	if !IsRetryable(stdErrors.New("timeout")) {
		t.Fatalf("untyped errors should be retryable")
	}
	if IsRetryable(New(CodePoisonMessage, "unknown order")) {
		t.Fatalf("poison message must not be retryable")
	}
}

func TestDumpCollectsChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeTransient, "db down"))
	d := Dump(err)
	if d.Code != CodeTransient {
		t.Fatalf("expected transient code, got %s", d.Code)
	}
	if len(d.Chain) != 2 {
		t.Fatalf("expected two chain entries, got %v", d.Chain)
	}
}

func TestDumpDriverDetails(t *testing.T) {
	pg := Dump(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_processed_events_key", Message: "duplicate key"}))
	if pg.PGCode != "23505" || pg.PGConstraint != "ux_processed_events_key" {
		t.Fatalf("expected postgres details, got %+v", pg)
	}

	lite := Dump(fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	if !strings.Contains(lite.SQLiteCode, "2067") {
		t.Fatalf("expected extended sqlite code, got %q", lite.SQLiteCode)
	}
}
