package ntsal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readDrift loads the persisted frequency correction. A missing file is
// not an error; it just means the loop trains from scratch.
func readDrift(path string) (float64, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false, nil
	}
	defer file.Close()

	line, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && line == "" {
		return 0, false, fmt.Errorf("drift file %s unreadable: %w", path, err)
	}
	freq, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return 0, false, fmt.Errorf("drift file %s invalid, delete it: %w", path, err)
	}
	return freq, true, nil
}

func writeDrift(path string, freq float64) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(strconv.FormatFloat(freq, 'E', -1, 64) + "\n")
	return err
}
