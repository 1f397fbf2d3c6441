package transcript

import (
	"bufio"
	"fmt"
	"os"
)

// maxLineBytes bounds a single transcript line. Lines beyond this are
// malformed by contract and skipped with the rest of the scan intact.
const maxLineBytes = 1 << 20

// ReadTail returns the normalized turns found in the last maxLines lines of
// the transcript, in file order. Malformed lines and non-conversation
// entries are skipped individually. The read is side-effect free.
func ReadTail(path string, maxLines int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	// Ring of the trailing maxLines raw lines.
	ring := make([][]byte, 0, maxLines)
	next := 0
	full := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if !full {
			ring = append(ring, line)
			if len(ring) == maxLines {
				full = true
			}
			continue
		}
		ring[next] = line
		next = (next + 1) % maxLines
	}
	if err := scanner.Err(); err != nil {
		// A torn final line (concurrent append) still yields the lines
		// scanned so far.
		if len(ring) == 0 {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
	}

	entries := make([]Entry, 0, len(ring))
	appendParsed := func(raw []byte) {
		entry, ok := parseLine(raw)
		if !ok {
			return
		}
		if IsSystemMarker(entry.Text) {
			return
		}
		entries = append(entries, entry)
	}
	if full {
		for i := 0; i < maxLines; i++ {
			appendParsed(ring[(next+i)%maxLines])
		}
	} else {
		for _, raw := range ring {
			appendParsed(raw)
		}
	}
	return entries, nil
}
