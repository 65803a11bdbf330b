package llm

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// sniffTailMax bounds how much of the stream tail is retained for usage
// recovery. Providers emit the usage chunk last, so a small window is
// enough.
const sniffTailMax = 64 << 10

// usageSniffer tees a bounded tail of an SSE stream and, once the stream
// ends, parses the final data chunks for a usage block. Recovery is
// best-effort: a truncated or usage-less stream reports nothing.
type usageSniffer struct {
	rc     io.ReadCloser
	onDone func(domain.Usage)

	mu   sync.Mutex
	tail []byte
	once sync.Once
}

func sniffUsage(rc io.ReadCloser, onDone func(domain.Usage)) io.ReadCloser {
	return &usageSniffer{rc: rc, onDone: onDone}
}

func (s *usageSniffer) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		s.mu.Lock()
		s.tail = append(s.tail, p[:n]...)
		if len(s.tail) > sniffTailMax {
			s.tail = s.tail[len(s.tail)-sniffTailMax:]
		}
		s.mu.Unlock()
	}
	if err == io.EOF {
		s.finish()
	}
	return n, err
}

func (s *usageSniffer) Close() error {
	err := s.rc.Close()
	s.finish()
	return err
}

func (s *usageSniffer) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		tail := s.tail
		s.tail = nil
		s.mu.Unlock()
		if usage, ok := parseStreamUsage(tail); ok {
			s.onDone(usage)
		}
	})
}

// parseStreamUsage scans SSE data lines for the last chunk carrying a
// usage block.
func parseStreamUsage(tail []byte) (domain.Usage, bool) {
	var (
		found bool
		usage domain.Usage
	)
	for _, line := range bytes.Split(tail, []byte("\n")) {
		line = bytes.TrimSpace(line)
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		var chunk struct {
			Model string     `json:"model"`
			Usage *chatUsage `json:"usage"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil || chunk.Usage == nil {
			continue
		}
		usage = chunk.Usage.toDomain(chunk.Model)
		found = true
	}
	return usage, found
}
