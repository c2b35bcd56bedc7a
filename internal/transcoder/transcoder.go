// Package transcoder supervises the external media binary. The binary is
// opaque to the platform: it is spawned per job with operation-specific
// arguments, its stderr is scanned for progress, and it is killed when the
// wall-clock budget runs out.
package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vidforge/vidforge/internal/operation"
)

// ErrTimeout marks a transcode killed for exceeding its wall-clock budget.
var ErrTimeout = errors.New("transcode exceeded time budget")

// Runner executes transcodes.
type Runner struct {
	command string
	logger  *slog.Logger
}

// New creates a runner for the given binary (typically "ffmpeg").
func New(command string, logger *slog.Logger) *Runner {
	if command == "" {
		command = "ffmpeg"
	}
	return &Runner{command: command, logger: logger}
}

// Request describes one transcode.
type Request struct {
	Args    []string
	Timeout time.Duration
	// Duration of the source media, if known. Enables percentage progress
	// from the binary's out_time reports.
	Duration time.Duration
	// OnProgress receives monotonically increasing percentages in [0, 100].
	OnProgress func(pct int)
}

// Run blocks until the transcode finishes, fails, or times out. The process
// is killed on timeout or context cancellation.
func (r *Runner) Run(ctx context.Context, req Request) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.command, req.Args...)
	cmd.WaitDelay = 5 * time.Second

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.command, err)
	}
	r.logger.Debug("transcoder started", "command", r.command, "pid", cmd.Process.Pid)

	parser := &progressParser{duration: req.Duration, cb: req.OnProgress}
	tail := newTailBuffer(2048)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.writeLine(line)
		parser.feed(line)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(started)
	if waitErr == nil {
		r.logger.Debug("transcoder finished", "elapsed", elapsed)
		return nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w (%s): killed after %s", ErrTimeout, req.Timeout, elapsed.Round(time.Millisecond))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if tail.String() != "" {
		return fmt.Errorf("%s failed: %w: %s", r.command, waitErr, tail.String())
	}
	return fmt.Errorf("%s failed: %w", r.command, waitErr)
}

// progressParser extracts percentages from stderr. It understands the
// machine-readable out_time_ms reports emitted under "-progress pipe:2" as
// well as bare "NN%" tokens, and never reports backwards.
type progressParser struct {
	duration time.Duration
	last     int
	cb       func(int)
}

func (p *progressParser) feed(line string) {
	if p.cb == nil {
		return
	}
	line = strings.TrimSpace(line)

	if v, ok := strings.CutPrefix(line, "out_time_ms="); ok {
		if p.duration <= 0 {
			return
		}
		us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return
		}
		// Despite the name, ffmpeg reports microseconds here.
		done := time.Duration(us) * time.Microsecond
		p.report(int(done * 100 / p.duration))
		return
	}

	if pct, ok := percentToken(line); ok {
		p.report(pct)
	}
}

func (p *progressParser) report(pct int) {
	if pct > 100 {
		pct = 100
	}
	if pct <= p.last {
		return
	}
	p.last = pct
	p.cb(pct)
}

// percentToken finds the last "NN%" token in a line.
func percentToken(line string) (int, bool) {
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] != '%' {
			continue
		}
		j := i
		for j > 0 && line[j-1] >= '0' && line[j-1] <= '9' {
			j--
		}
		if j == i {
			continue
		}
		pct, err := strconv.Atoi(line[j:i])
		if err != nil || pct < 0 || pct > 100 {
			continue
		}
		return pct, true
	}
	return 0, false
}

// tailBuffer keeps the last max bytes of output for error reports.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) writeLine(line string) {
	if len(t.buf) > 0 {
		t.buf = append(t.buf, '\n')
	}
	t.buf = append(t.buf, line...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// BuildArgs returns the binary's arguments for an operation. Progress
// reporting is requested on stderr in machine-readable form.
func BuildArgs(typ operation.Type, p operation.Params, srcPath, dstPath string) []string {
	args := []string{"-i", srcPath, "-nostats", "-progress", "pipe:2"}
	switch typ {
	case operation.TypeResize, operation.TypeResizeImage:
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height))
	case operation.TypeCrop:
		args = append(args, "-vf", fmt.Sprintf("crop=%d:%d:%d:%d", p.CropWidth, p.CropHeight, p.X, p.Y))
	case operation.TypeConvert, operation.TypeConvertImage:
		// Target container comes from the output extension.
	}
	return append(args, "-y", dstPath)
}

// AudioArgs returns the arguments for synchronous audio extraction.
func AudioArgs(srcPath, dstPath string) []string {
	return []string{
		"-i", srcPath,
		"-nostats", "-progress", "pipe:2",
		"-vn", "-acodec", "libmp3lame",
		"-y", dstPath,
	}
}

// ThumbnailArgs returns the arguments for the poster frame written at upload.
func ThumbnailArgs(srcPath, dstPath string) []string {
	return []string{
		"-i", srcPath,
		"-nostats",
		"-vf", "thumbnail,scale=320:-2",
		"-frames:v", "1",
		"-y", dstPath,
	}
}

// streamDimensions matches the WxH token in the binary's stream report.
var streamDimensions = regexp.MustCompile(`\b(\d{2,5})x(\d{2,5})\b`)

// Probe reads the pixel dimensions of a media file from the binary's stream
// report. The binary exits non-zero because no output is requested; only the
// parsed report matters.
func (r *Runner) Probe(ctx context.Context, srcPath string) (width, height int, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command, "-hide_banner", "-i", srcPath)
	out, _ := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return 0, 0, ctx.Err()
	}
	m := streamDimensions.FindSubmatch(out)
	if m == nil {
		return 0, 0, fmt.Errorf("no dimensions in %s report", r.command)
	}
	width, _ = strconv.Atoi(string(m[1]))
	height, _ = strconv.Atoi(string(m[2]))
	return width, height, nil
}
