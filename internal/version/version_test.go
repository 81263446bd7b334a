package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	s := String()
	if !strings.HasPrefix(s, "1.2.3 (unknown) built unknown ") {
		t.Errorf("String() = %q", s)
	}
	if UserAgent() != "watchdash/1.2.3" {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
