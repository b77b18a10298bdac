package swarm

import (
	"strings"
	"time"
	"unicode"
)

// SourceKind classifies where a candidate was discovered.
type SourceKind int

const (
	SourceDirectory SourceKind = iota
	SourceFeed
	SourceChannel
)

func (k SourceKind) String() string {
	switch k {
	case SourceDirectory:
		return "directory"
	case SourceFeed:
		return "feed"
	case SourceChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// ParseSourceKind maps a config string to a SourceKind.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch strings.ToLower(s) {
	case "directory", "dir":
		return SourceDirectory, true
	case "feed", "rss":
		return SourceFeed, true
	case "channel":
		return SourceChannel, true
	default:
		return 0, false
	}
}

// Source describes a discovery origin. The mining loop only refers to it by ID.
type Source struct {
	ID      string
	Kind    SourceKind
	Enabled bool
	Archive bool
}

// Descriptor is the immutable part of a candidate, fixed at discovery time.
type Descriptor struct {
	Source       string
	Name         string
	Length       int64
	Category     string
	CreationDate int64
	NumPieces    int
	Metainfo     []byte

	// Seeders and Leechers are the health reported by the source at
	// discovery time, if any. The candidate's health starts from them.
	Seeders  int
	Leechers int
}

// PeerSnapshot is the latest engine view of one remote peer.
type PeerSnapshot struct {
	IP               string
	UploadRate       int64
	DownloadRate     int64
	UploadPeak       int64
	DownloadPeak     int64
	Pieces           int
	Progress         float64
	RTT              time.Duration
	Interested       bool
	Choked           bool
	RemoteInterested bool
	RemoteChoked     bool
	ConnectionType   string
}

// Seeder reports whether the peer holds the whole torrent.
func (p PeerSnapshot) Seeder() bool {
	return p.Progress >= 1.0
}

// Health counts seeders and leechers among observed peers.
func Health(peers []PeerSnapshot) (seeders, leechers int) {
	for _, p := range peers {
		if p.Seeder() {
			seeders++
		} else {
			leechers++
		}
	}
	return seeders, leechers
}

// Availability estimates the number of distributed copies from peer progress.
func Availability(peers []PeerSnapshot) float64 {
	var total float64
	for _, p := range peers {
		total += min(max(p.Progress, 0), 1)
	}
	return total
}

// NormalizeName lowercases a torrent name and collapses runs of
// non-alphanumeric characters into single spaces.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// Similar reports whether two descriptors likely name the same content.
func Similar(a, b Descriptor) bool {
	if a.Length != b.Length || !strings.EqualFold(a.Category, b.Category) {
		return false
	}
	na := NormalizeName(a.Name)
	return na != "" && na == NormalizeName(b.Name)
}
