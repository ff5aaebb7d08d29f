package main

import (
	"bytes"
	"context"
	"io"
	"os"
)

// tailFile prints the last f.Tail lines of path and, with f.Follow, keeps
// printing whatever is appended until ctx is done. A truncated file is read
// again from the start.
func (c *command) tailFile(ctx context.Context, path string, f LogsFlags) error {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			c.printf("Log file not found: %s\n", path)
			return nil
		}
		return err
	}
	_, _ = c.out.Write(lastLines(data, f.Tail))
	if !f.Follow {
		return nil
	}
	c.printf("--- following %s (Ctrl+C to stop) ---\n", path)
	offset := int64(len(data))
	for {
		c.sleep(ctx, c.follow)
		if ctx.Err() != nil {
			return nil
		}
		offset, err = c.copyFrom(path, offset)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
}

func (c *command) copyFrom(path string, offset int64) (int64, error) {
	fh, err := os.Open(path) // #nosec G304
	if err != nil {
		return offset, err
	}
	defer func() { _ = fh.Close() }()
	fi, err := fh.Stat()
	if err != nil {
		return offset, err
	}
	if fi.Size() < offset {
		offset = 0
	}
	if fi.Size() == offset {
		return offset, nil
	}
	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(c.out, fh)
	return offset + n, err
}

// lastLines returns the final n lines of data, each newline-terminated.
func lastLines(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return nil
	}
	body := bytes.TrimSuffix(data, []byte("\n"))
	idx := len(body)
	for i := 0; i < n; i++ {
		j := bytes.LastIndexByte(body[:idx], '\n')
		if j < 0 {
			idx = -1
			break
		}
		idx = j
	}
	out := append([]byte(nil), body[idx+1:]...)
	return append(out, '\n')
}
