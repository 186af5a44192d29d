// Package speedtest implements the optional Bandwidth Probe Helper: it
// shells out to whichever speedtest CLI is installed, Ookla's or
// sivel/speedtest-cli, and parses its JSON result into a rate pair. It
// is a one-for-one port of original_source/traffictoll/speedtest.py,
// which the distilled spec.md only mentions as an out-of-scope
// collaborator but the CLI surface (§6's --speed-test flag) still needs
// a concrete implementation.
package speedtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/NodePath81/groupshaper/internal/runner"
	"github.com/NodePath81/groupshaper/internal/shaperr"
	"github.com/goccy/go-json"
)

const (
	versionCommand = "speedtest --version"
	ooklaCommand   = "speedtest --format=json"
	sivelCommand   = "speedtest --json"
)

// Result is the probe outcome, in bits per second.
type Result struct {
	DownloadRate int64
	UploadRate   int64
}

// commandRunner is the subset of *runner.Runner this package depends on.
type commandRunner interface {
	Run(ctx context.Context, commandLine string, captureStdout bool) (runner.Result, error)
}

// Run detects the installed speedtest provider and returns its result.
// A provider that cannot be identified by banner, or whose output fails
// to decode, is a DependencyOutputError; the caller is expected to fall
// back to configured rates.
func Run(ctx context.Context, r commandRunner) (Result, error) {
	versionOut, err := r.Run(ctx, versionCommand, true)
	if err != nil {
		return Result{}, err
	}
	banner := firstLine(versionOut.Stdout)

	switch {
	case strings.HasPrefix(banner, "Speedtest by Ookla"):
		return runOokla(ctx, r)
	case strings.HasPrefix(banner, "speedtest-cli"):
		return runSivel(ctx, r)
	default:
		return Result{}, &shaperr.DependencyOutputError{
			Command: versionCommand,
			Output:  versionOut.Stdout,
			Reason:  "unrecognized speedtest provider banner",
		}
	}
}

type ooklaPayload struct {
	Download struct {
		Bandwidth int64 `json:"bandwidth"`
	} `json:"download"`
	Upload struct {
		Bandwidth int64 `json:"bandwidth"`
	} `json:"upload"`
}

func runOokla(ctx context.Context, r commandRunner) (Result, error) {
	out, err := r.Run(ctx, ooklaCommand, true)
	if err != nil {
		return Result{}, err
	}
	var payload ooklaPayload
	if err := json.Unmarshal([]byte(out.Stdout), &payload); err != nil {
		return Result{}, &shaperr.DependencyOutputError{Command: ooklaCommand, Output: out.Stdout, Reason: err.Error()}
	}
	if payload.Download.Bandwidth <= 0 || payload.Upload.Bandwidth <= 0 {
		return Result{}, &shaperr.DependencyOutputError{Command: ooklaCommand, Output: out.Stdout, Reason: "missing download or upload bandwidth"}
	}
	// Ookla reports bandwidth in bytes/sec; the shaping rate model is bits/sec.
	return Result{DownloadRate: payload.Download.Bandwidth * 8, UploadRate: payload.Upload.Bandwidth * 8}, nil
}

type sivelPayload struct {
	Download float64 `json:"download"`
	Upload   float64 `json:"upload"`
}

func runSivel(ctx context.Context, r commandRunner) (Result, error) {
	out, err := r.Run(ctx, sivelCommand, true)
	if err != nil {
		return Result{}, err
	}
	var payload sivelPayload
	if err := json.Unmarshal([]byte(out.Stdout), &payload); err != nil {
		return Result{}, &shaperr.DependencyOutputError{Command: sivelCommand, Output: out.Stdout, Reason: err.Error()}
	}
	if payload.Download <= 0 || payload.Upload <= 0 {
		return Result{}, &shaperr.DependencyOutputError{Command: sivelCommand, Output: out.Stdout, Reason: "missing download or upload rate"}
	}
	return Result{DownloadRate: int64(payload.Download), UploadRate: int64(payload.Upload)}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// RateToken renders bps as a tc-compatible rate token.
func RateToken(bps int64) string {
	return fmt.Sprintf("%dbit", bps)
}
