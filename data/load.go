package data

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// standardSplits are the split files looked up by LoadDirectory.
var standardSplits = []string{"train", "dev", "test"}

// LoadTSV reads examples from a tab-separated file with one "text<TAB>label"
// pair per line. Blank lines are skipped.
func LoadTSV(path string) ([]Example, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	var examples []Example
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		idx := strings.LastIndex(line, "\t")
		if idx < 0 {
			return nil, fmt.Errorf("%s:%d: missing tab separator", path, lineNo)
		}
		label, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label: %v", path, lineNo, err)
		}
		examples = append(examples, Example{Text: line[:idx], Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	return examples, nil
}

// LoadDirectory reads train.tsv, dev.tsv and test.tsv from a directory into
// a dataset. Missing split files are skipped; an empty directory is an error.
func LoadDirectory(dir string) (Dataset, error) {
	ds := make(Dataset)
	for _, split := range standardSplits {
		path := filepath.Join(dir, split+".tsv")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		examples, err := LoadTSV(path)
		if err != nil {
			return nil, err
		}
		ds[split] = examples
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("no split files found in %s", dir)
	}
	return ds, nil
}
