// Copyright © 2018 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package helpers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// download does a simple http.Get on the url and performs a check against
// the response status. The response body is only returned for StatusOK.
func download(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", url)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", url)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, fmt.Errorf("GET %s replied: %d (%s)",
			url, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

// Download attempts to download from url to the given filename. Does not
// try to extract the file, it simply lays it on disk. The body is written
// to a temporary file first so a process abort never leaves a truncated
// file at the final path.
func Download(ctx context.Context, url, filename string) error {
	resp, err := download(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	tmpFile := filepath.Join(filepath.Dir(filename), ".dl."+filepath.Base(filename))
	out, err := os.Create(tmpFile)
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", filename)
	}
	defer func() {
		_ = out.Close()
		_ = os.Remove(tmpFile)
	}()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return errors.Wrapf(err, "writing %s", filename)
	}

	return renameIfNotExists(tmpFile, filename)
}

func renameIfNotExists(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		if !os.IsExist(err) {
			return err
		}
	}
	return os.Remove(src)
}

// HeadStatus issues a HEAD request and returns its status code without
// reading a body, used by the symbol-server probe sweep.
func HeadStatus(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "building HEAD request for %s", url)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "HEAD %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}

// RunCommand executes cmdname with args and stores its output in memory. If
// the command fails the returned error carries both the stdout and stderr
// streams so the caller can log a single combined diagnostic.
func RunCommand(ctx context.Context, cmdname string, args ...string) (*bytes.Buffer, error) {
	cmd := exec.CommandContext(ctx, cmdname, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "failed to execute %s", strings.Join(cmd.Args, " "))
		if outBuf.Len() > 0 {
			fmt.Fprintf(&buf, "\nSTDOUT:\n%s", outBuf.Bytes())
		}
		if errBuf.Len() > 0 {
			fmt.Fprintf(&buf, "\nSTDERR:\n%s", errBuf.Bytes())
		}
		return &outBuf, errors.Wrap(err, buf.String())
	}
	return &outBuf, nil
}

// RunCommandSilent runs the given command with args, discarding its output
// on success.
func RunCommandSilent(ctx context.Context, cmdname string, args ...string) error {
	_, err := RunCommand(ctx, cmdname, args...)
	return err
}

// TarExtractURL downloads a tar file from a URL and extracts it to target,
// used by the manifest-fetch stage for the rare tar-packaged inputs.
func TarExtractURL(ctx context.Context, url, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return err
	}
	if err := Download(ctx, url, target); err != nil {
		return err
	}

	return RunCommandSilent(ctx, "tar",
		"--preserve-permissions",
		"-C", filepath.Dir(target),
		"-xf", target,
	)
}
