package sharing

import (
	"crypto/rand"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

// MakeXorKey returns 16 nibbles taken from 8 random bytes.
func MakeXorKey() ([]byte, error) {
	random := make([]byte, 8)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	key := make([]byte, 2*len(random))
	for i, b := range random {
		key[2*i] = b & 0xf
		key[2*i+1] = b >> 4
	}
	return key, nil
}

// XorID transforms every hex character of id with the matching key nibble.
// Other characters and the letter case are kept, so the result has the same
// length and shape, and applying it twice with the same key returns id.
func XorID(id string, key []byte) string {
	if len(key) == 0 {
		return id
	}
	buf := []byte(id)
	for i, c := range buf {
		var v byte
		letters := byte('a')
		switch {
		case '0' <= c && c <= '9':
			v = c - '0'
		case 'a' <= c && c <= 'f':
			v = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			v = c - 'A' + 10
			letters = 'A'
		default:
			continue
		}
		v ^= key[i%len(key)] & 0xf
		if v < 10 {
			buf[i] = v + '0'
		} else {
			buf[i] = v - 10 + letters
		}
	}
	return string(buf)
}

// Mapper translates document ids between the local instance and one peer.
// Only the owner of a sharing created with obfuscated ids holds keys;
// recipients see the owner's mapped ids and map nothing themselves. Without
// a key ids are shared 1:1.
type Mapper struct {
	key []byte
}

func NewMapper(s *Sharing, memberIndex int) Mapper {
	if s == nil || !s.Owner {
		return Mapper{}
	}
	creds, err := s.CredentialsFor(memberIndex)
	if err != nil {
		return Mapper{}
	}
	return Mapper{key: append([]byte(nil), creds.XorKey...)}
}

func (m Mapper) Identity() bool {
	return len(m.key) == 0
}

// ID maps id in either direction.
func (m Mapper) ID(doctype, id string) string {
	if m.Identity() || doctype != docstore.DoctypeFiles || id == "" || docstore.IsReservedID(id) {
		return id
	}
	return XorID(id, m.key)
}

// Document returns a copy of doc with its id and parent mapped.
func (m Mapper) Document(doc *docstore.Document) *docstore.Document {
	out := doc.Clone()
	out.ID = m.ID(doc.Doctype, doc.ID)
	out.DirID = m.ID(doc.Doctype, doc.DirID)
	out.RestoreDirID = ""
	out.Path = ""
	return out
}
