package failure

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
)

func TestWrap_MatchesMarkerAndCause(t *testing.T) {
	err := Wrap(ErrIO, "spool pdf", "copy", fs.ErrPermission)

	if !errors.Is(err, ErrIO) {
		t.Error("errors.Is(err, ErrIO) = false, want true")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("errors.Is(err, fs.ErrPermission) = false, want true")
	}
	if got := err.Error(); !strings.Contains(got, "spool pdf: copy") {
		t.Errorf("message = %q, want it to contain op and message", got)
	}
}

func TestWrap_NilMarkerDefaultsToIO(t *testing.T) {
	err := Wrap(nil, "op", "", nil)
	if !errors.Is(err, ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("save entry", "id is required"), KindValidation},
		{"not found", NotFound("get entry", "e1"), KindNotFound},
		{"external", External("add note", errors.New("connection refused")), KindExternal},
		{"io", IO("remove file", errors.New("busy")), KindIO},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}
