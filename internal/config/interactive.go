package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	inputFile = os.Stdin
)

func guidedInitialization(config *Config) error {
	scanner := bufio.NewScanner(inputFile)

	input, err := ask(scanner, fmt.Sprintf("Enter credential database path [default: %s]", config.DBPath))
	if err != nil {
		return err
	}
	if input != "" {
		config.DBPath = input
	}

	input, err = ask(scanner, fmt.Sprintf("Enter number of parallel uploads for mirroring [default: %d]", config.Workers))
	if err != nil {
		return err
	}
	if input != "" {
		workers, err := strconv.Atoi(input)
		if err != nil || workers < 1 {
			return fmt.Errorf("invalid number of workers '%s'", input)
		}
		config.Workers = workers
	}

	input, err = ask(scanner, fmt.Sprintf("Enter request timeout (e.g. 30s, 10m) [default: %s]", config.RequestTimeout))
	if err != nil {
		return err
	}
	if input != "" {
		duration, err := time.ParseDuration(input)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		config.RequestTimeout = duration
	}

	return nil
}

func ask(scanner *bufio.Scanner, prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("could not read user input: %w", err)
		}
		return "", nil // EOF or closed input
	}
	return strings.TrimSpace(scanner.Text()), nil
}
