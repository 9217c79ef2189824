package anoncode

import (
	"context"
	"testing"
	"time"
)

func TestValidateFormat(t *testing.T) {
	cases := map[string]bool{
		"ABC123": true,
		"abc123": true, // normalized before matching
		"AB1234": false,
		"ABCDEF": false,
		"AB12":   false,
		"":       false,
	}
	for in, want := range cases {
		if got := ValidateFormat(in); got != want {
			t.Errorf("ValidateFormat(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMemoryDirectory_GenerateAndResolve(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	code, err := d.Generate(ctx, "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !ValidateFormat(code) {
		t.Fatalf("generated code %q does not match format", code)
	}

	got, err := d.Resolve(ctx, code)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sess-1" {
		t.Errorf("Resolve = %q, want sess-1", got)
	}
}

func TestMemoryDirectory_Resolve_CaseInsensitive(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()
	code, _ := d.Generate(ctx, "sess-2", time.Hour)

	got, err := d.Resolve(ctx, toLowerLetters(code))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sess-2" {
		t.Errorf("Resolve = %q, want sess-2", got)
	}
}

func toLowerLetters(code string) string {
	b := []byte(code)
	for i := 0; i < 3 && i < len(b); i++ {
		b[i] = b[i] + ('a' - 'A')
	}
	return string(b)
}

func TestMemoryDirectory_Resolve_NotFound(t *testing.T) {
	d := NewMemoryDirectory()
	if _, err := d.Resolve(context.Background(), "ZZZ999"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryDirectory_Resolve_Expired(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()
	code, _ := d.Generate(ctx, "sess-3", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, err := d.Resolve(ctx, code); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound for expired code", err)
	}
}

func TestMemoryDirectory_Extend(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()
	code, _ := d.Generate(ctx, "sess-4", 10*time.Millisecond)

	if err := d.Extend(ctx, code, time.Hour); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := d.Resolve(ctx, code); err != nil {
		t.Errorf("expected extended code to still resolve, got %v", err)
	}
}

func TestMemoryDirectory_Reap(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()
	_, _ = d.Generate(ctx, "sess-5", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if n := d.Reap(); n != 1 {
		t.Errorf("Reap() = %d, want 1", n)
	}
}
