package filter

import (
	"strconv"
	"strings"
)

// NMEAChecksum verifies the XOR checksum of an NMEA 0183 sentence in
// Record.Raw.
type NMEAChecksum struct{}

// Check implements Filter.
func (NMEAChecksum) Check(rec Record) error {
	body, sum, ok := SplitNMEA(rec.Raw)
	if !ok {
		return reject(rec, ReasonBadChecksum, "malformed sentence")
	}
	want, err := strconv.ParseUint(sum, 16, 8)
	if err != nil {
		return reject(rec, ReasonBadChecksum, "checksum %q", sum)
	}
	if got := NMEAChecksumOf(body); got != byte(want) {
		return reject(rec, ReasonBadChecksum, "computed %02X, sentence says %02X", got, want)
	}
	return nil
}

// NMEASentence keeps only the listed sentence types, such as "GGA",
// regardless of talker id.
type NMEASentence struct {
	Types []string
}

// Check implements Filter.
func (f NMEASentence) Check(rec Record) error {
	typ := SentenceType(rec.Raw)
	for _, t := range f.Types {
		if t == typ {
			return nil
		}
	}
	return reject(rec, ReasonUnsupportedSentence, "%q", typ)
}

// SplitNMEA splits "$BODY*HH" into BODY and HH.
func SplitNMEA(line string) (body, checksum string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return "", "", false
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star != 3 {
		return "", "", false
	}
	return line[1:star], line[star+1:], true
}

// NMEAChecksumOf XORs every byte of body.
func NMEAChecksumOf(body string) byte {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return c
}

// SentenceType returns the three-letter sentence type of an NMEA line, or
// "" when the line has no address field.
func SentenceType(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return ""
	}
	addr, _, _ := strings.Cut(line[1:], ",")
	if len(addr) < 5 {
		return ""
	}
	return addr[len(addr)-3:]
}
