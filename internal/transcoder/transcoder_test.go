package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vidforge/vidforge/internal/operation"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		typ  operation.Type
		p    operation.Params
		want string
	}{
		{
			name: "resize",
			typ:  operation.TypeResize,
			p:    operation.Params{Width: 1280, Height: 720},
			want: "-vf scale=1280:720",
		},
		{
			name: "crop",
			typ:  operation.TypeCrop,
			p:    operation.Params{X: 10, Y: 20, CropWidth: 640, CropHeight: 480},
			want: "-vf crop=640:480:10:20",
		},
		{
			name: "image resize",
			typ:  operation.TypeResizeImage,
			p:    operation.Params{Width: 200, Height: 200},
			want: "-vf scale=200:200",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := BuildArgs(tt.typ, tt.p, "/in/src.mp4", "/out/dst.mp4")
			joined := strings.Join(args, " ")
			if !strings.Contains(joined, tt.want) {
				t.Fatalf("args %q missing %q", joined, tt.want)
			}
			if args[len(args)-1] != "/out/dst.mp4" {
				t.Fatalf("output path must be last, got %q", args[len(args)-1])
			}
			if args[0] != "-i" || args[1] != "/in/src.mp4" {
				t.Fatalf("input must come first, got %v", args[:2])
			}
		})
	}
}

func TestBuildArgsConvertHasNoFilter(t *testing.T) {
	args := BuildArgs(operation.TypeConvert, operation.Params{Format: "webm"}, "/in/a.mp4", "/out/converted.webm")
	for _, a := range args {
		if a == "-vf" {
			t.Fatalf("convert should not carry a video filter: %v", args)
		}
	}
}

func TestProgressParserOutTime(t *testing.T) {
	var got []int
	p := &progressParser{duration: 10 * time.Second, cb: func(pct int) { got = append(got, pct) }}

	p.feed("out_time_ms=2500000")  // 2.5s of 10s
	p.feed("out_time_ms=2400000")  // never backwards
	p.feed("out_time_ms=5000000")  // 5s
	p.feed("out_time_ms=20000000") // past the end, clamp
	if want := []int{25, 50, 100}; !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
}

func TestProgressParserPercentTokens(t *testing.T) {
	var got []int
	p := &progressParser{cb: func(pct int) { got = append(got, pct) }}

	p.feed("processing: 10%")
	p.feed("frame= 421 fps=30 done 45%")
	p.feed("still 45%")
	p.feed("100%")
	if want := []int{10, 45, 100}; !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
}

func TestProgressParserIgnoresOutTimeWithoutDuration(t *testing.T) {
	p := &progressParser{cb: func(pct int) { t.Fatalf("unexpected progress %d", pct) }}
	p.feed("out_time_ms=2500000")
}

func TestPercentToken(t *testing.T) {
	tests := []struct {
		line string
		pct  int
		ok   bool
	}{
		{"50%", 50, true},
		{"done 7% of work", 7, true},
		{"25% then 75%", 75, true},
		{"no percent here", 0, false},
		{"%", 0, false},
		{"300%", 0, false},
	}
	for _, tt := range tests {
		pct, ok := percentToken(tt.line)
		if ok != tt.ok || pct != tt.pct {
			t.Fatalf("percentToken(%q) = %d, %v; want %d, %v", tt.line, pct, ok, tt.pct, tt.ok)
		}
	}
}

func TestRunReportsProgress(t *testing.T) {
	r := New("/bin/sh", discardLogger())
	var got []int
	err := r.Run(context.Background(), Request{
		Args:       []string{"-c", "echo '30%' >&2; echo '60%' >&2; echo '100%' >&2"},
		Timeout:    5 * time.Second,
		OnProgress: func(pct int) { got = append(got, pct) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []int{30, 60, 100}; !reflect.DeepEqual(got, want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
}

func TestRunFailureCarriesStderrTail(t *testing.T) {
	r := New("/bin/sh", discardLogger())
	err := r.Run(context.Background(), Request{
		Args:    []string{"-c", "echo 'codec not supported' >&2; exit 3"},
		Timeout: 5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "codec not supported") {
		t.Fatalf("error %q missing stderr tail", err)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	r := New("/bin/sh", discardLogger())
	start := time.Now()
	err := r.Run(context.Background(), Request{
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("process not killed promptly, took %s", elapsed)
	}
}

func TestRunContextCancellation(t *testing.T) {
	r := New("/bin/sh", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := r.Run(ctx, Request{Args: []string{"-c", "sleep 30"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTailBufferKeepsRecentOutput(t *testing.T) {
	tail := newTailBuffer(32)
	tail.writeLine("old line that will be dropped eventually")
	tail.writeLine("recent")
	s := tail.String()
	if len(s) > 32 {
		t.Fatalf("tail overflow: %d bytes", len(s))
	}
	if !strings.HasSuffix(s, "recent") {
		t.Fatalf("tail %q lost the most recent line", s)
	}
}
