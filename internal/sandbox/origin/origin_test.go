package origin

import (
	"errors"
	"testing"
)

func TestDerive_SourceOrigin(t *testing.T) {
	al, err := Derive("https://modules.example.com/widgets/chat/bundle.js", Config{})
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	if !al.Allows("https://modules.example.com") {
		t.Error("Allows(source origin) = false, want true")
	}
	if !al.Allows("https://MODULES.example.com:443/") {
		t.Error("Allows(equivalent origin) = false, want exact-origin normalization")
	}
	if al.Allows("https://evil.example.com") {
		t.Error("Allows(other host) = true, want false")
	}
	if al.Allows("http://modules.example.com") {
		t.Error("Allows(scheme downgrade) = true, want false")
	}
	if al.Allows("https://modules.example.com:8443") {
		t.Error("Allows(other port) = true, want false")
	}
}

func TestDerive_TrustedOrigins(t *testing.T) {
	al, err := Derive("https://modules.example.com/m.js", Config{
		TrustedOrigins: []string{"https://cdn.example.com"},
	})
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}

	if !al.Allows("https://cdn.example.com") {
		t.Error("Allows(trusted origin) = false, want true")
	}
}

func TestDerive_RejectsUnparseableSource(t *testing.T) {
	// No wildcard fallback: a source that fails to parse cannot mount.
	for _, src := range []string{"", "://broken", "not a url", "ftp://files.example.com/m.js", "/relative/path.js"} {
		if _, err := Derive(src, Config{}); err == nil {
			t.Errorf("Derive(%q) accepted, want error", src)
		}
	}

	if _, err := Derive("", Config{}); !errors.Is(err, ErrUnparseableSource) {
		t.Errorf("Derive(empty) error = %v, want ErrUnparseableSource", err)
	}
}

func TestDerive_RejectsBadTrustedOrigin(t *testing.T) {
	_, err := Derive("https://modules.example.com/m.js", Config{
		TrustedOrigins: []string{"nonsense"},
	})
	if err == nil {
		t.Fatal("Derive accepted unparseable trusted origin, want error")
	}
}

func TestAllows_Loopback(t *testing.T) {
	t.Run("diagnostics mode", func(t *testing.T) {
		al, err := Derive("https://modules.example.com/m.js", Config{AllowLoopback: true})
		if err != nil {
			t.Fatalf("Derive failed: %v", err)
		}
		for _, o := range []string{"http://localhost:3000", "http://127.0.0.1:8080", "https://localhost"} {
			if !al.Allows(o) {
				t.Errorf("Allows(%q) = false in diagnostics mode, want true", o)
			}
		}
	})

	t.Run("production", func(t *testing.T) {
		al, err := Derive("https://modules.example.com/m.js", Config{})
		if err != nil {
			t.Fatalf("Derive failed: %v", err)
		}
		for _, o := range []string{"http://localhost:3000", "http://127.0.0.1:8080"} {
			if al.Allows(o) {
				t.Errorf("Allows(%q) = true without diagnostics mode, want false", o)
			}
		}
	})
}

func TestAllows_NilAndGarbage(t *testing.T) {
	var al *AllowList
	if al.Allows("https://modules.example.com") {
		t.Error("nil AllowList allowed an origin")
	}

	got, err := Derive("https://modules.example.com/m.js", Config{})
	if err != nil {
		t.Fatalf("Derive failed: %v", err)
	}
	if got.Allows("garbage") {
		t.Error("Allows(garbage) = true, want false")
	}
}
