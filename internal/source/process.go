package source

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gisquick/tileproxy/internal/domain"
)

// ProcessSource invokes an external renderer (mapnik/mapserver-style CLI
// tool, spec §4.1 "process source") once per request, passing the bbox/
// size/srs as command-line arguments and reading the rendered image from
// stdout. No library in the retrieved corpus wraps external renderer
// invocation, so this is a direct os/exec call — the only shape such an
// integration can take without a specific renderer's Go binding.
type ProcessSource struct {
	SourceName string
	Command    string
	Args       []string // may contain {bbox} {width} {height} {srs} {format} placeholders
	Base
}

func NewProcessSource(name, command string, args []string) *ProcessSource {
	return &ProcessSource{SourceName: name, Command: command, Args: args}
}

func (s *ProcessSource) Name() string            { return s.SourceName }
func (s *ProcessSource) SupportsMetaTiles() bool { return true }

func (s *ProcessSource) Fetch(ctx context.Context, req Request) (Response, error) {
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = substitutePlaceholders(a, req)
	}
	cmd := exec.CommandContext(ctx, s.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Response{}, domain.NewError(domain.ErrKindSourceTransient, "source.ProcessSource.Fetch",
			fmt.Errorf("%w: %s", err, stderr.String()))
	}
	format := req.Format
	if format == "" {
		format = "image/png"
	}
	return Response{Image: stdout.Bytes(), Format: format}, nil
}

func substitutePlaceholders(arg string, req Request) string {
	replacements := map[string]string{
		"{bbox}":   formatBBox(req.BBox),
		"{width}":  strconv.Itoa(req.Size[0]),
		"{height}": strconv.Itoa(req.Size[1]),
		"{srs}":    req.SRS,
		"{format}": req.Format,
	}
	out := arg
	for k, v := range replacements {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}
