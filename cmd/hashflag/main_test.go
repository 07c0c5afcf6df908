package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestHashFlag_FromArg(t *testing.T) {
	got, err := run(t, "", "CTF{x}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(got), []byte("CTF{x}")) != nil {
		t.Errorf("printed hash does not verify: %q", got)
	}
}

func TestHashFlag_FromStdinTrimsNewline(t *testing.T) {
	got, err := run(t, "CTF{stdin}\n")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(got), []byte("CTF{stdin}")) != nil {
		t.Errorf("printed hash does not verify: %q", got)
	}
}

func TestHashFlag_TaskEmitsUpdate(t *testing.T) {
	got, err := run(t, "", "--task", "7", "CTF{x}")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(got, "UPDATE lab_tasks SET flag_hash = '$2") || !strings.HasSuffix(got, "WHERE id = 7;") {
		t.Errorf("unexpected statement: %q", got)
	}
}

func TestHashFlag_EmptyRejected(t *testing.T) {
	if _, err := run(t, "  \n"); err == nil {
		t.Fatal("expected an error for an empty flag")
	}
}
