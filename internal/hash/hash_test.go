package hash

import "testing"

func TestSHA256Hasher(t *testing.T) {
	hasher := NewSHA256Hasher()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "hello", in: "hello", want: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{name: "empty", in: "", want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasher.HashBytes([]byte(tt.in)); got != tt.want {
				t.Errorf("HashBytes(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	if hasher.HashBytes([]byte("a")) == hasher.HashBytes([]byte("b")) {
		t.Error("expected different hashes for different content")
	}
}
