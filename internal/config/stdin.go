package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MaxBrokerLineLen bounds the operator-provided broker address.
const MaxBrokerLineLen = 128

var ErrEmptyBrokerURL = errors.New("empty broker url")

// ReadBrokerURL prompts on w and reads a single newline-terminated line from r.
// Only printable 7-bit bytes (1..126) are kept and reading stops after
// MaxBrokerLineLen kept bytes, matching the serial console the firmware used.
func ReadBrokerURL(r io.Reader, w io.Writer) (string, error) {
	if _, err := fmt.Fprintln(w, "Please enter url of mqtt broker"); err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}

	br := bufio.NewReader(r)
	line := make([]byte, 0, MaxBrokerLineLen)
	for len(line) < MaxBrokerLineLen {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("read broker url: %w", err)
		}
		if c == '\n' {
			break
		}
		if c > 0 && c < 127 {
			line = append(line, c)
		}
	}

	// A trailing CR from a terminal is kept by the byte filter; drop it.
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) == 0 {
		return "", ErrEmptyBrokerURL
	}

	brokerURL := string(line)
	if err := ValidateBrokerURL(brokerURL); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(w, "Broker url: %s\n", brokerURL); err != nil {
		return "", fmt.Errorf("echo: %w", err)
	}
	return brokerURL, nil
}
