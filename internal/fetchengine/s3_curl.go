package fetchengine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
)

// S3Curl delegates to an external curl process, using curl's own resume
// (--continue-at -) and a machine-readable write-out trailer to learn the
// final HTTP code and byte count. Ported from strategies.py's
// S3CurlStrategy.
type S3Curl struct{}

func (S3Curl) Name() string { return "s3_curl" }

const curlTrailerFormat = `\nANACSYNC_TRAILER %{http_code} %{size_download}`

func (s S3Curl) Fetch(ctx context.Context, t *httpx.Transport, dest string, meta Meta, cfg config.Downloader, onProgress ProgressFunc) Result {
	start := time.Now()
	if !cfg.EnableCurl {
		return Result{Strategy: s.Name(), Error: "curl strategy disabled", Duration: time.Since(start)}
	}
	curlPath := cfg.CurlPath
	if curlPath == "" {
		curlPath = "curl"
	}
	if _, err := exec.LookPath(curlPath); err != nil {
		return Result{Strategy: s.Name(), Error: "curl not found on PATH", Duration: time.Since(start)}
	}

	part := partPath(dest)
	args := []string{
		"--location",
		"--continue-at", "-",
		"--retry", "3",
		"--retry-delay", "1",
		"--fail-with-body",
		"--silent",
		"--show-error",
		"-o", part,
		"-w", curlTrailerFormat,
		meta.URL,
	}

	cmd := exec.CommandContext(ctx, curlPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	httpCode, size, perr := parseCurlTrailer(stdout.String())
	if perr != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = perr.Error()
		}
		if runErr != nil {
			errMsg = runErr.Error() + ": " + errMsg
		}
		return Result{Strategy: s.Name(), Error: errMsg, Duration: time.Since(start)}
	}
	if onProgress != nil && size > 0 {
		onProgress(size)
	}
	if httpCode != 200 && httpCode != 206 {
		return Result{Strategy: s.Name(), Error: fmt.Sprintf("curl http status %d", httpCode), BytesWritten: size, Duration: time.Since(start)}
	}

	sum, err := finalize(part, dest, meta, s.Name(), nil)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: size, Duration: time.Since(start)}
	}
	if !verifyAgainstExpected(sum, nil) {
		discardIntegrityFailure(dest)
		return Result{Strategy: s.Name(), Error: "integrity mismatch", BytesWritten: size, Duration: time.Since(start)}
	}
	return Result{OK: true, Strategy: s.Name(), BytesWritten: size, Duration: time.Since(start)}
}

func parseCurlTrailer(out string) (httpCode int, size int64, err error) {
	idx := strings.LastIndex(out, "ANACSYNC_TRAILER")
	if idx < 0 {
		return 0, 0, fmt.Errorf("curl trailer not found in output")
	}
	fields := strings.Fields(out[idx+len("ANACSYNC_TRAILER"):])
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("malformed curl trailer: %q", out)
	}
	httpCode, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return httpCode, size, nil
}
