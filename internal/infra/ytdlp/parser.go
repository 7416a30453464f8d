package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	progressRe = regexp.MustCompile(`\[download\]\s+([\d.]+)%`)

	destinationRes = []*regexp.Regexp{
		regexp.MustCompile(`^\[download\] Destination: (.+)$`),
		regexp.MustCompile(`^\[(?:ffmpeg|Merger)\] Merging formats into "(.+)"$`),
		regexp.MustCompile(`^\[ExtractAudio\] Destination: (.+)$`),
		regexp.MustCompile(`^\[download\] (.+) has already been downloaded(?: and merged)?$`),
	}
)

// parseProgress extracts the percentage from a "[download]  47.3% of ..." line.
func parseProgress(line string) (float64, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseDestination extracts the file path announced by a destination or merge line.
func parseDestination(line string) (string, bool) {
	line = strings.TrimSpace(line)
	for _, re := range destinationRes {
		if m := re.FindStringSubmatch(line); m != nil {
			p := strings.TrimSpace(m[1])
			if p != "" {
				return p, true
			}
		}
	}
	return "", false
}

// diagnostic picks what to report for a failed run: the tool's ERROR lines when it printed any,
// otherwise the tail of its error stream.
func diagnostic(stderrTail string, errorLines []string) string {
	if len(errorLines) > 0 {
		return strings.Join(errorLines, "\n")
	}
	return strings.TrimSpace(stderrTail)
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps at most limit bytes, dropping the oldest lines first.
type tailBuffer struct {
	limit int
	lines []string
	size  int
}

func (b *tailBuffer) add(line string) {
	if b.limit <= 0 {
		return
	}
	if len(line) > b.limit {
		line = line[len(line)-b.limit:]
	}
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.limit && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}
