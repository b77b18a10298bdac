package swarm

import (
	"errors"
	"strings"
	"testing"
)

func TestParseHexRoundTrip(t *testing.T) {
	src := strings.Repeat("ab", InfohashSize)
	ih, err := ParseHex(src)
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if ih.Hex() != src {
		t.Fatalf("Hex() = %q, want %q", ih.Hex(), src)
	}
	if ih.Short() != "abababab" {
		t.Fatalf("Short() = %q", ih.Short())
	}
}

func TestParseHexInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", strings.Repeat("zz", InfohashSize)} {
		if _, err := ParseHex(s); !errors.Is(err, ErrInvalidInfohash) {
			t.Fatalf("ParseHex(%q) err = %v, want ErrInvalidInfohash", s, err)
		}
	}
}

func TestFromBytes(t *testing.T) {
	if _, err := FromBytes(make([]byte, 19)); !errors.Is(err, ErrInvalidInfohash) {
		t.Fatalf("expected ErrInvalidInfohash, got %v", err)
	}
	b := make([]byte, InfohashSize)
	b[0] = 1
	ih, err := FromBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if ih.IsZero() {
		t.Fatal("expected non-zero infohash")
	}
}

func TestCompare(t *testing.T) {
	a := Infohash{1}
	b := Infohash{2}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatal("Compare does not follow byte order")
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Ubuntu-22.04_Desktop.ISO", "ubuntu 22 04 desktop iso"},
		{"  --Leading and trailing--  ", "leading and trailing"},
		{"", ""},
		{"___", ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSimilar(t *testing.T) {
	a := Descriptor{Name: "Big.Buck.Bunny", Length: 100, Category: "video"}
	tests := []struct {
		name string
		b    Descriptor
		want bool
	}{
		{"same normalized name", Descriptor{Name: "big buck bunny", Length: 100, Category: "Video"}, true},
		{"different length", Descriptor{Name: "Big.Buck.Bunny", Length: 101, Category: "video"}, false},
		{"different category", Descriptor{Name: "Big.Buck.Bunny", Length: 100, Category: "audio"}, false},
		{"different name", Descriptor{Name: "Sintel", Length: 100, Category: "video"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Similar(a, tt.b); got != tt.want {
				t.Fatalf("Similar = %v, want %v", got, tt.want)
			}
		})
	}
	if Similar(Descriptor{Name: "--"}, Descriptor{Name: "__"}) {
		t.Fatal("empty normalized names must not match")
	}
}

func TestHealth(t *testing.T) {
	peers := []PeerSnapshot{
		{IP: "a", Progress: 1},
		{IP: "b", Progress: 0.5},
		{IP: "c", Progress: 0},
	}
	s, l := Health(peers)
	if s != 1 || l != 2 {
		t.Fatalf("Health = %d/%d, want 1/2", s, l)
	}
	if got := Availability(peers); got != 1.5 {
		t.Fatalf("Availability = %v, want 1.5", got)
	}
}

func TestParseSourceKind(t *testing.T) {
	k, ok := ParseSourceKind("RSS")
	if !ok || k != SourceFeed {
		t.Fatalf("ParseSourceKind(RSS) = %v, %v", k, ok)
	}
	if _, ok := ParseSourceKind("ftp"); ok {
		t.Fatal("expected unknown kind")
	}
}
