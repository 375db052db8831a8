package config

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "hello")
	if got := String("CFG_TEST_STR", "fallback"); got != "hello" {
		t.Fatalf("String = %q", got)
	}
	if got := String("CFG_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String fallback = %q", got)
	}
}

func TestRequiredString(t *testing.T) {
	if _, err := RequiredString("CFG_TEST_MISSING"); err == nil {
		t.Fatal("expected error for missing required var")
	}
	t.Setenv("CFG_TEST_REQ", "v")
	v, err := RequiredString("CFG_TEST_REQ")
	if err != nil || v != "v" {
		t.Fatalf("RequiredString = %q, %v", v, err)
	}
}

func TestPort(t *testing.T) {
	if _, err := Port("CFG_TEST_PORT", "8090"); err != nil {
		t.Fatalf("Port fallback failed: %v", err)
	}
	t.Setenv("CFG_TEST_PORT", "70000")
	if _, err := Port("CFG_TEST_PORT", "8090"); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestInt(t *testing.T) {
	n, err := Int("CFG_TEST_INT_UNSET", 42)
	if err != nil || n != 42 {
		t.Fatalf("Int fallback = %d, %v", n, err)
	}
	t.Setenv("CFG_TEST_INT", "7")
	n, err = Int("CFG_TEST_INT", 42)
	if err != nil || n != 7 {
		t.Fatalf("Int = %d, %v", n, err)
	}
	t.Setenv("CFG_TEST_INT", "seven")
	if _, err := Int("CFG_TEST_INT", 42); err == nil {
		t.Fatal("expected error for non-integer")
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("CFG_TEST_DUR_UNSET", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("Duration fallback = %v, %v", d, err)
	}
	t.Setenv("CFG_TEST_DUR", "2m")
	d, err = Duration("CFG_TEST_DUR", 5*time.Second)
	if err != nil || d != 2*time.Minute {
		t.Fatalf("Duration = %v, %v", d, err)
	}
	t.Setenv("CFG_TEST_DUR", "soon")
	if _, err := Duration("CFG_TEST_DUR", 0); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestBool(t *testing.T) {
	if !Bool("CFG_TEST_BOOL_UNSET", true) {
		t.Fatal("Bool fallback")
	}
	t.Setenv("CFG_TEST_BOOL", "false")
	if Bool("CFG_TEST_BOOL", true) {
		t.Fatal("Bool false")
	}
	t.Setenv("CFG_TEST_BOOL", "1")
	if !Bool("CFG_TEST_BOOL", false) {
		t.Fatal("Bool 1")
	}
}
