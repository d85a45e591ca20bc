package farmer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"pkt.systems/monkeyfarmer/schema"
)

const maxPreview = 200

// readStdout queues every line the monkey prints. It never touches entity
// state; dispatch happens on the loop goroutine.
func (f *Farmer) readStdout(r io.Reader) {
	defer f.readers.Done()
	count := 0
	err := readLines(r, func(raw []byte) {
		line, ok := decodeLine(raw)
		if !ok {
			f.warnDecode("stdout", raw, line)
		}
		if line == "" {
			return
		}
		count++
		f.inbound.Push(line)
	})
	if err != nil && f.log != nil {
		f.log.Warn("monkey stdout read failed", "err", err)
	}
	if f.log != nil {
		f.log.Debug("monkey stdout closed", "lines", count)
	}
}

// readStderr forwards diagnostics verbatim to the diagnostic sink.
func (f *Farmer) readStderr(r io.Reader) {
	defer f.readers.Done()
	count := 0
	err := readLines(r, func(raw []byte) {
		line, ok := decodeLine(raw)
		if !ok {
			f.warnDecode("stderr", raw, line)
		}
		count++
		if f.log != nil {
			preview := previewText(line, maxPreview)
			f.log.Trace("monkey stderr", "text_len", len(line), "preview", preview, "truncated", len(preview) < len(line))
		}
		if f.diag != nil {
			_, _ = io.WriteString(f.diag, line+"\n")
		}
	})
	if err != nil && f.log != nil {
		f.log.Warn("monkey stderr read failed", "err", err)
	}
	if count > 0 && f.log != nil {
		f.log.Debug("monkey stderr closed", "lines", count)
	}
}

func (f *Farmer) warnDecode(stream string, raw []byte, decoded string) {
	if f.log == nil {
		return
	}
	preview := previewText(decoded, maxPreview)
	f.log.Warn("monkey line is not valid utf-8", "stream", stream, "bytes", len(raw), "preview", preview, "err", schema.ErrDecodeFailure)
}

// readLines calls fn for each newline-terminated line (terminator stripped).
// A final unterminated line is delivered too. Returns nil on EOF.
func readLines(r io.Reader, fn func(raw []byte)) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			fn(bytes.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// decodeLine decodes raw as UTF-8. Invalid sequences are replaced with
// U+FFFD and ok is false.
func decodeLine(raw []byte) (line string, ok bool) {
	if utf8.Valid(raw) {
		return string(raw), true
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError)), false
	}
	return string(out), false
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
