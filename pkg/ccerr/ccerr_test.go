package ccerr

import (
	"errors"
	"testing"
)

func TestOkAndNotFoundAreNotErrors(t *testing.T) {
	if Ok.IsError() {
		t.Error("Ok should not be an error")
	}
	if NotFound.IsError() {
		t.Error("NotFound is a protocol-level OK, not an error")
	}
	if NotFound.Status != Failure {
		t.Errorf("NotFound.Status = %v, want Failure", NotFound.Status)
	}
}

func TestFormatAndInternalAreErrors(t *testing.T) {
	f := Format("bad key %q", "x")
	if !f.IsError() || f.Status != FormatError {
		t.Errorf("Format result = %+v", f)
	}
	if f.Message != `bad key "x"` {
		t.Errorf("Format message = %q", f.Message)
	}

	i := Internal("allocation failed: %d bytes", 42)
	if !i.IsError() || i.Status != InternalError {
		t.Errorf("Internal result = %+v", i)
	}
}

func TestInternalFromErr(t *testing.T) {
	r := InternalFromErr(errors.New("disk full"))
	if !r.IsError() || r.Message != "disk full" {
		t.Errorf("InternalFromErr = %+v", r)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Success:      "success",
		Failure:      "failure",
		FormatError:  "format_error",
		InternalError: "internal_error",
		Status(99):   "invalid",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}
