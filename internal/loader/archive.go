package loader

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// archiveMagic is the 8-byte global header every `ar` file begins with.
const archiveMagic = "!<arch>\n"

// archiveMember is one decoded member of a static archive: a name and
// the byte range (within the archive file) holding its content.
type archiveMember struct {
	Name   string
	Offset int64
	Size   int64
}

// readArchive decodes an ar(1)-format archive's member table. There is
// no stdlib or ecosystem ar reader in this corpus, so the 60-byte
// member-header format (and the GNU `//` long-name-table convention)
// is decoded by hand directly against an io.ReaderAt.
func readArchive(r io.ReaderAt, size int64) ([]archiveMember, error) {
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("loader: read archive magic: %w", err)
	}
	if string(magic[:]) != archiveMagic {
		return nil, fmt.Errorf("loader: not an ar archive")
	}

	var longNames []byte
	var members []archiveMember

	off := int64(8)
	for off+60 <= size {
		var hdr [60]byte
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return nil, fmt.Errorf("loader: read archive member header at %d: %w", off, err)
		}
		if hdr[58] != '`' || hdr[59] != '\n' {
			return nil, fmt.Errorf("loader: bad archive member header terminator at %d", off)
		}

		rawName := strings.TrimRight(string(hdr[0:16]), " ")
		sizeField := strings.TrimSpace(string(hdr[48:58]))
		memSize, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("loader: bad archive member size %q: %w", sizeField, err)
		}

		dataOff := off + 60
		name := rawName

		switch {
		case rawName == "//":
			// GNU long-name table: holds every over-length member
			// name, newline separated, referenced by later members
			// via "/<offset>".
			longNames = make([]byte, memSize)
			if _, err := r.ReadAt(longNames, dataOff); err != nil {
				return nil, fmt.Errorf("loader: read long-name table: %w", err)
			}
		case rawName == "/" || rawName == "/SYM64/":
			// Symbol table member (ranlib index); the loader always
			// rebuilds reachability from its own bloom filters and
			// exact scans, so this member is skipped rather than
			// trusted.
		case strings.HasPrefix(rawName, "/"):
			idx, err := strconv.Atoi(strings.TrimSpace(rawName[1:]))
			if err != nil {
				return nil, fmt.Errorf("loader: bad long-name reference %q: %w", rawName, err)
			}
			if idx >= 0 && idx < len(longNames) {
				end := bytes.IndexByte(longNames[idx:], '\n')
				if end < 0 {
					end = len(longNames) - idx
				}
				name = strings.TrimRight(string(longNames[idx:idx+end]), "/")
			}
		default:
			name = strings.TrimRight(rawName, "/")
		}

		if name != "//" && name != "/" && name != "/SYM64/" {
			members = append(members, archiveMember{Name: name, Offset: dataOff, Size: memSize})
		}

		// Members are padded to an even byte boundary.
		next := dataOff + memSize
		if memSize%2 != 0 {
			next++
		}
		off = next
	}
	return members, nil
}
