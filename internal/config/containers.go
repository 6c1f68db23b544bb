package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadContainerList returns the names in a container list file, one per
// line, skipping blank lines. A missing file yields no names.
func ReadContainerList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening container list: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading container list: %w", err)
	}
	return names, nil
}

// AppendContainerList appends names to the list file, creating it if needed.
func AppendContainerList(path string, names ...string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening container list: %w", err)
	}
	defer f.Close()
	for _, n := range names {
		if _, err := fmt.Fprintln(f, n); err != nil {
			return fmt.Errorf("writing container list: %w", err)
		}
	}
	return nil
}
