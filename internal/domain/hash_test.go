package domain

import "testing"

func TestHashString64(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{in: "", want: 0},
		{in: "123456789", want: 0xe9c6d914c4b8d9ca},
		{in: "audit", want: 1073251900497484785},
		{in: "black", want: 12863298021156289100},
		{in: "drop", want: 16292570364802992800},
		{in: "white", want: 15764284370007174481},
		{in: "evil.example", want: 14571078515910549473},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := HashString64(tt.in); got != tt.want {
				t.Fatalf("HashString64(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestHash64_LongInput(t *testing.T) {
	// Long inputs go through the slicing-by-8 path of hash/crc64.
	b := make([]byte, 4096)
	for i := range b {
		b[i] = byte(i)
	}

	var want uint64
	for _, c := range b {
		want = jonesTable[byte(want)^c] ^ (want >> 8)
	}

	if got := Hash64(b); got != want {
		t.Fatalf("Hash64 = %x, want %x", got, want)
	}
}

func BenchmarkHashString64(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = HashString64("sub.blocked.example.com")
	}
}
