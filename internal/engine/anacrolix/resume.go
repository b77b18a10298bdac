package anacrolix

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const resumeVersion = 1

var errForeignResume = errors.New("resume data belongs to another torrent")

// resumeState is the bencoded resume blob.
type resumeState struct {
	Version   int    `bencode:"version"`
	InfoHash  string `bencode:"info-hash"`
	NumPieces int    `bencode:"pieces"`
	Completed []int  `bencode:"completed"`
}

func snapshot(t *torrent.Torrent) ([]byte, error) {
	ih := t.InfoHash()
	st := resumeState{
		Version:   resumeVersion,
		InfoHash:  ih.HexString(),
		NumPieces: t.NumPieces(),
	}
	for i := range st.NumPieces {
		if t.PieceState(i).Complete {
			st.Completed = append(st.Completed, i)
		}
	}
	data, err := bencode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode resume %s: %w", ih.HexString(), err)
	}
	return data, nil
}

func decodeResume(data []byte) (resumeState, error) {
	var st resumeState
	if err := bencode.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode resume: %w", err)
	}
	if st.Version != resumeVersion {
		return st, fmt.Errorf("decode resume: unsupported version %d", st.Version)
	}
	return st, nil
}

// restore marks the blob's completed pieces in the completion store so the
// client does not fetch them again.
func (s *Session) restore(ih metainfo.Hash, data []byte) error {
	st, err := decodeResume(data)
	if err != nil {
		return err
	}
	if st.InfoHash != ih.HexString() {
		return errForeignResume
	}
	for _, i := range st.Completed {
		if i < 0 || i >= st.NumPieces {
			continue
		}
		if err := s.completion.Set(metainfo.PieceKey{InfoHash: ih, Index: i}, true); err != nil {
			return fmt.Errorf("restore piece %d: %w", i, err)
		}
	}
	return nil
}
