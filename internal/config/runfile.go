package config

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/volley/internal/model"
)

// Run defaults applied to zero-valued RunFile fields.
const (
	DefaultWorkers               = 4
	DefaultReadFreq              = 8
	DefaultRequestsPerConnection = 100
	DefaultCount                 = 100
	DefaultStartTimeoutS         = 10
	DefaultDrainTimeoutS         = 60
)

// ErrInvalidRun is returned by Validate for an unusable run definition.
var ErrInvalidRun = errors.New("invalid run")

// RunFile describes one run. It is read from YAML or JSON files and doubles
// as the body of run submissions to the control API.
type RunFile struct {
	URL                   string `yaml:"url" json:"url"`
	Workers               int    `yaml:"workers" json:"workers"`
	ReadFreq              int    `yaml:"read_freq" json:"read_freq"`
	RequestsPerConnection int    `yaml:"requests_per_connection" json:"requests_per_connection"`
	Count                 int    `yaml:"count" json:"count"`
	// Request is the raw request text sent for every repetition.
	Request string `yaml:"request" json:"request"`
	// RequestB64 is the request as standard base64. It carries bytes a JSON
	// string cannot, such as Latin-1 header values, and is sent exactly as
	// decoded.
	RequestB64 string `yaml:"request_b64" json:"request_b64"`
	// RequestFile names a file holding the raw request, relative to the run
	// file. It is only honoured by LoadRunFile.
	RequestFile   string `yaml:"request_file" json:"-"`
	StartTimeoutS int    `yaml:"start_timeout_s" json:"start_timeout_s"`
	DrainTimeoutS int    `yaml:"drain_timeout_s" json:"drain_timeout_s"`
	Insecure      bool   `yaml:"insecure" json:"insecure"`
}

// LoadRunFile reads a run definition from a .yaml, .yml or .json file,
// applies defaults and validates it.
func LoadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run file: %w", err)
	}

	var rf RunFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse YAML run file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse JSON run file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported run file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if rf.RequestFile != "" && rf.Request == "" && rf.RequestB64 == "" {
		reqPath := rf.RequestFile
		if !filepath.IsAbs(reqPath) {
			reqPath = filepath.Join(filepath.Dir(path), reqPath)
		}
		raw, err := os.ReadFile(reqPath)
		if err != nil {
			return nil, fmt.Errorf("read request file: %w", err)
		}
		rf.Request = string(raw)
	}

	rf.ApplyDefaults()
	if err := rf.Validate(); err != nil {
		return nil, err
	}
	return &rf, nil
}

// ApplyDefaults fills zero-valued fields.
func (rf *RunFile) ApplyDefaults() {
	if rf.Workers == 0 {
		rf.Workers = DefaultWorkers
	}
	if rf.ReadFreq == 0 {
		rf.ReadFreq = DefaultReadFreq
	}
	if rf.RequestsPerConnection == 0 {
		rf.RequestsPerConnection = DefaultRequestsPerConnection
	}
	if rf.Count == 0 {
		rf.Count = DefaultCount
	}
	if rf.StartTimeoutS == 0 {
		rf.StartTimeoutS = DefaultStartTimeoutS
	}
	if rf.DrainTimeoutS == 0 {
		rf.DrainTimeoutS = DefaultDrainTimeoutS
	}
}

// Validate reports the first problem that would stop the run from starting.
func (rf *RunFile) Validate() error {
	if rf.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRun)
	}
	u, err := url.Parse(rf.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %w", ErrInvalidRun, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https, got %q", ErrInvalidRun, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidRun)
	}
	if rf.RequestB64 != "" {
		if rf.Request != "" {
			return fmt.Errorf("%w: set request or request_b64, not both", ErrInvalidRun)
		}
		raw, err := base64.StdEncoding.DecodeString(rf.RequestB64)
		if err != nil {
			return fmt.Errorf("%w: request_b64: %w", ErrInvalidRun, err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return fmt.Errorf("%w: request_b64 decodes to an empty request", ErrInvalidRun)
		}
	} else if strings.TrimSpace(rf.Request) == "" {
		return fmt.Errorf("%w: request is required", ErrInvalidRun)
	}

	for _, f := range []struct {
		name string
		v    int
	}{
		{"workers", rf.Workers},
		{"read_freq", rf.ReadFreq},
		{"requests_per_connection", rf.RequestsPerConnection},
		{"count", rf.Count},
	} {
		if f.v < 1 {
			return fmt.Errorf("%w: %s must be at least 1, got %d", ErrInvalidRun, f.name, f.v)
		}
	}
	if rf.StartTimeoutS < 0 || rf.DrainTimeoutS < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidRun)
	}
	return nil
}

// NewRun builds a pending run record from the definition.
func (rf *RunFile) NewRun() *model.Run {
	return &model.Run{
		ID:                    model.NewID(),
		Status:                model.StatusPending,
		Target:                rf.URL,
		Workers:               rf.Workers,
		ReadFreq:              rf.ReadFreq,
		RequestsPerConnection: rf.RequestsPerConnection,
		Count:                 rf.Count,
		Request:               rf.wireRequest(),
		StartTimeoutS:         rf.StartTimeoutS,
		DrainTimeoutS:         rf.DrainTimeoutS,
		Insecure:              rf.Insecure,
		CreatedAt:             time.Now().UTC(),
	}
}

// wireRequest returns the bytes sent for each repetition. A base64 request is
// already in wire form; text is normalized. Call Validate first: an
// undecodable request_b64 yields nil.
func (rf *RunFile) wireRequest() []byte {
	if rf.RequestB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(rf.RequestB64)
		if err != nil {
			return nil
		}
		return raw
	}
	return NormalizeRequest(rf.Request)
}

// NormalizeRequest converts request text with bare LF line endings, as most
// editors save it, into wire form: CRLF line endings in the head and exactly
// one blank line after it. The body, everything after the first blank line,
// is copied byte for byte.
func NormalizeRequest(raw string) []byte {
	head, body := splitHead(raw)
	head = strings.TrimRight(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	return []byte(strings.ReplaceAll(head, "\n", "\r\n") + "\r\n\r\n" + body)
}

// splitHead cuts raw at the first blank line, LF or CRLF terminated. head
// keeps the line ending of its last line.
func splitHead(raw string) (head, body string) {
	for i := 0; i < len(raw); {
		j := strings.IndexByte(raw[i:], '\n')
		if j == -1 {
			break
		}
		if line := raw[i : i+j]; i > 0 && (line == "" || line == "\r") {
			return raw[:i], raw[i+j+1:]
		}
		i += j + 1
	}
	return raw, ""
}
