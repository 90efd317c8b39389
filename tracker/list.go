package tracker

import (
	"bufio"
	"io"
	"strings"
)

// ReadList reads newline separated tracker URLs. Blank lines and lines
// starting with '#' are skipped; duplicates keep their first position.
func ReadList(r io.Reader) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return urls, nil
}
