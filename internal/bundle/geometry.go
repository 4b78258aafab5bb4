package bundle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/openneutron/aonp/internal/spec"
)

const (
	geometryScriptTimeout = 60 * time.Second
	stderrTailLimit       = 4096
)

// runGeometryScript executes the study's geometry script with the entry name
// as its argument, feeding the canonical spec JSON on stdin and capturing the
// emitted geometry XML from stdout.
func runGeometryScript(ctx context.Context, gs spec.GeometryScript, s *spec.StudySpec) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, geometryScriptTimeout)
	defer cancel()

	argv := scriptArgv(gs.Path)
	argv = append(argv, gs.Entry)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(spec.CanonicalBytes(s))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := tail(stderr.String(), stderrTailLimit)
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", geometryScriptTimeout)
		}
		return nil, &Error{
			Kind: KindGeometryScript,
			Op:   "run " + gs.Path,
			Err:  fmt.Errorf("%w; stderr: %s", err, detail),
		}
	}
	out := stdout.Bytes()
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, &Error{
			Kind: KindGeometryScript,
			Op:   "run " + gs.Path,
			Err:  fmt.Errorf("script produced no geometry output"),
		}
	}
	return out, nil
}

// scriptArgv picks an interpreter from the script extension; anything
// unrecognized is executed directly and must carry a shebang.
func scriptArgv(path string) []string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return []string{"python3", path}
	case ".sh":
		return []string{"bash", path}
	default:
		return []string{path}
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
