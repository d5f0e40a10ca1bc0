package host

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
)

// jsonLineReader wraps an engine's stdout and passes through only lines
// that look like JSON messages. Agents that crash or mistakenly render
// terminal UI emit ANSI sequences and banners on stdout; those lines
// would otherwise break the protocol decoder. Filtered lines are logged
// at DEBUG level.
type jsonLineReader struct {
	scanner      *bufio.Scanner
	logger       *slog.Logger
	pending      []byte
	pendingIndex int
}

func newJSONLineReader(r io.Reader, logger *slog.Logger) *jsonLineReader {
	const (
		initialBufSize = 1024 * 1024
		maxBufSize     = 10 * 1024 * 1024
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufSize), maxBufSize)
	return &jsonLineReader{scanner: scanner, logger: logger}
}

// Read implements io.Reader, returning only JSON lines.
func (f *jsonLineReader) Read(p []byte) (n int, err error) {
	if f.pendingIndex < len(f.pending) {
		n = copy(p, f.pending[f.pendingIndex:])
		f.pendingIndex += n
		if f.pendingIndex >= len(f.pending) {
			f.pending, f.pendingIndex = nil, 0
		}
		return n, nil
	}

	for f.scanner.Scan() {
		line := f.scanner.Bytes()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] != '{' {
			if f.logger != nil {
				logLine := string(line)
				if len(logLine) > 200 {
					logLine = logLine[:100] + "..." + logLine[len(logLine)-50:]
				}
				f.logger.Debug("Filtered non-JSON line from engine stdout", "line", logLine)
			}
			continue
		}
		f.pending = make([]byte, len(line)+1)
		copy(f.pending, line)
		f.pending[len(line)] = '\n'
		n = copy(p, f.pending)
		f.pendingIndex = n
		if f.pendingIndex >= len(f.pending) {
			f.pending, f.pendingIndex = nil, 0
		}
		return n, nil
	}

	if err := f.scanner.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}
