package peinfo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"
)

// StringTable is one language/codepage entry of a VS_VERSIONINFO resource's
// StringFileInfo block.
type StringTable struct {
	Translation uint32
	Values      map[string]string
}

// ParseVersionInfo locates the VS_VERSION_INFO block inside data (the raw
// bytes of a PE resource section, or of the whole file for a quick best
// effort scan) and returns its string tables. It does not attempt a full
// PE resource-directory walk: callers that already know the RT_VERSION
// resource's offset should pass just that resource's bytes.
func ParseVersionInfo(data []byte) ([]StringTable, error) {
	marker := utf16LEBytes("VS_VERSION_INFO")
	idx := bytes.Index(data, marker)
	if idx < 0 {
		return nil, fmt.Errorf("VS_VERSION_INFO signature not found")
	}

	// Walk sibling "StringFileInfo" and "VarFileInfo" blocks that follow
	// the fixed VS_FIXEDFILEINFO structure; we only care about
	// StringFileInfo's nested StringTable children.
	var tables []StringTable
	pos := idx
	sfiMarker := utf16LEBytes("StringFileInfo")
	for {
		next := bytes.Index(data[pos:], sfiMarker)
		if next < 0 {
			break
		}
		pos += next
		t, rest, err := parseStringTables(data[pos:])
		if err == nil {
			tables = append(tables, t...)
		}
		pos += rest
		if pos >= len(data) {
			break
		}
	}

	return tables, nil
}

// parseStringTables parses the StringTable children following a
// StringFileInfo marker found at the start of data. It scans all of data,
// so tables in a later StringFileInfo block (multi-language binaries
// sometimes carry more than one) are found in the same pass, and it
// reports len(data) as the number of bytes consumed.
func parseStringTables(data []byte) ([]StringTable, int, error) {
	// Each StringTable child key is an 8 hex-digit "szKey" encoding
	// langID (4 hex digits) + codepage (4 hex digits), e.g. "040904B0".
	var tables []StringTable
	pos := 0
	for pos+16 < len(data) {
		key, consumed, ok := readWideHexKey(data[pos:])
		if !ok {
			pos++
			continue
		}
		translation, err := parseHexUint32(key)
		if err != nil {
			pos++
			continue
		}

		values := parseStringTableValues(data[pos+consumed:])
		if len(values) == 0 {
			pos++
			continue
		}

		tables = append(tables, StringTable{Translation: translation, Values: values})
		pos += consumed
	}

	if len(tables) == 0 {
		return nil, len(data), fmt.Errorf("no StringTable entries found")
	}
	return tables, len(data), nil
}

// parseStringTableValues extracts "key\x00value\x00" pairs from a
// StringTable's body by scanning for NUL-terminated UTF-16LE runs. This is
// a best-effort scan rather than a structure-accurate walk of the
// wCount/wValueLength header fields, which is sufficient for recovering
// FileVersion/FileDescription/ProductVersion text.
func parseStringTableValues(data []byte) map[string]string {
	values := map[string]string{}
	wantedKeys := []string{"FileVersion", "FileDescription", "ProductVersion", "ProductName"}

	for _, key := range wantedKeys {
		marker := utf16LEBytes(key)
		idx := bytes.Index(data, marker)
		if idx < 0 {
			continue
		}
		after := data[idx+len(marker):]
		value, ok := readNextWideString(after)
		if ok && value != "" {
			values[key] = value
		}
	}
	return values
}

// readNextWideString reads the first NUL-terminated (or double-NUL
// aligned) UTF-16LE string found in data, skipping the padding that
// typically follows a key before its value begins.
func readNextWideString(data []byte) (string, bool) {
	// Skip leading NULs/padding up to the first non-zero code unit.
	i := 0
	for i+1 < len(data) && data[i] == 0 && data[i+1] == 0 {
		i += 2
	}
	if i+1 >= len(data) {
		return "", false
	}

	var units []uint16
	for i+1 < len(data) {
		u := binary.LittleEndian.Uint16(data[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
		i += 2
	}
	if len(units) == 0 {
		return "", false
	}
	return string(utf16.Decode(units)), true
}

// readWideHexKey reads an 8-character wide (UTF-16LE) hex string key
// starting at the beginning of data, as used for StringTable/VarFileInfo
// translation keys. Returns the ASCII key, bytes consumed (the 16 key
// bytes plus its 2-byte NUL terminator; padding after it is not counted),
// and whether a plausible key was found.
func readWideHexKey(data []byte) (string, int, bool) {
	if len(data) < 16 {
		return "", 0, false
	}
	key := make([]byte, 0, 8)
	for i := 0; i < 8; i++ {
		u := binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		if u == 0 || u > 0x7f {
			return "", 0, false
		}
		c := byte(u)
		if !isHexDigit(c) {
			return "", 0, false
		}
		key = append(key, c)
	}
	return string(key), 18, true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

func utf16LEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// SelectTranslation picks a StringTable from tables using the fallback
// order spec.md §4.D.2 specifies: an exact match for preferred, else the
// first table's own translation verbatim, else (first table's language,
// codepage 1252), else (US English 1033, codepage 1252), else (US
// English, first table's codepage), else whichever table is listed first.
func SelectTranslation(tables []StringTable, preferred uint32) (StringTable, bool) {
	if len(tables) == 0 {
		return StringTable{}, false
	}
	for _, t := range tables {
		if t.Translation == preferred {
			return t, true
		}
	}

	const (
		codepage1252  = 0x04E4
		langUSEnglish = 0x0409
	)
	firstLang := tables[0].Translation >> 16
	firstCodepage := tables[0].Translation & 0xffff

	candidates := []uint32{
		tables[0].Translation,
		firstLang<<16 | codepage1252,
		langUSEnglish<<16 | codepage1252,
		langUSEnglish<<16 | firstCodepage,
	}
	for _, c := range candidates {
		for _, t := range tables {
			if t.Translation == c {
				return t, true
			}
		}
	}
	return tables[0], true
}

// VersionFields scans data for a VS_VERSIONINFO resource and returns the
// FileVersion/FileDescription strings of its best-matching translation.
// data may be a full PE image: ParseVersionInfo only needs the resource's
// byte signature, not a resource-directory walk to locate it.
func VersionFields(data []byte) (fileVersion, fileDescription string, ok bool) {
	tables, err := ParseVersionInfo(data)
	if err != nil || len(tables) == 0 {
		return "", "", false
	}
	table, ok := SelectTranslation(tables, 0)
	if !ok {
		return "", "", false
	}
	return table.Values["FileVersion"], table.Values["FileDescription"], true
}

// decodeCodepage1252 decodes a raw byte string using the Windows-1252
// codepage, used for the rare VS_VERSIONINFO string table that was built
// from an 8-bit ANSI resource rather than UTF-16, as some legacy
// installers' driver packages carry.
func decodeCodepage1252(raw []byte) (string, error) {
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
