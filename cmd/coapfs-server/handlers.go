package main

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edgekit/coapfs"
	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/platform"
)

const (
	textResource  = "server.txt"
	imageResource = "server.jpg"

	defaultFetchLines = 5
	fetchLimit        = 1024
)

// appState backs the served resources. Handlers run inside the
// server's loop, so plain fields are fine.
type appState struct {
	storage platform.Storage
	logger  zerolog.Logger

	// buttons reports the current input line. The daemon wires a
	// stub; a device build would read real pins.
	buttons func() string

	led    bool
	buzzer bool
}

func (a *appState) routes(mux *coapfs.Mux) {
	mux.Handle(message.GET, "buttons", a.getButtons)
	mux.Handle(message.GET, "actuators", a.getActuators)
	mux.Handle(message.PUT, "actuators", a.putActuators)
	mux.Handle(message.IPATCH, "file", a.appendFile)
	mux.Handle(message.FETCH, "file", a.fetchFile)
	mux.HandleRaw(message.GET, "file", a.getFileBlock)
}

func (a *appState) getButtons(w *coapfs.ResponseWriter, r *coapfs.Request) error {
	w.SetOption(message.ContentFormat, message.TextPlain)
	w.Write([]byte(a.buttons()))
	return nil
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func (a *appState) getActuators(w *coapfs.ResponseWriter, r *coapfs.Request) error {
	w.SetOption(message.ContentFormat, message.TextPlain)
	fmt.Fprintf(w, "LED=%s,BUZZER=%s", onOff(a.led), onOff(a.buzzer))
	return nil
}

// wantsText rejects write payloads declared as anything but plain
// text.
func wantsText(w *coapfs.ResponseWriter, r *coapfs.Request) bool {
	cf, ok := r.Msg.GetUintOption(message.ContentFormat)
	if ok && cf != message.TextPlain {
		w.WriteCode(message.UnsupportedContentFormat)
		return false
	}
	return true
}

func (a *appState) putActuators(w *coapfs.ResponseWriter, r *coapfs.Request) error {
	if !wantsText(w, r) {
		return nil
	}
	if len(r.Payload()) == 0 {
		w.WriteCode(message.BadRequest)
		return nil
	}
	led, buzzer := a.led, a.buzzer
	if !applyActuators(string(r.Payload()), &led, &buzzer) {
		w.WriteCode(message.BadRequest)
		return nil
	}
	a.led, a.buzzer = led, buzzer
	a.logger.Info().Bool("led", a.led).Bool("buzzer", a.buzzer).Msg("actuators changed")
	w.WriteCode(message.Changed)
	w.Write([]byte("OK"))
	return nil
}

// applyActuators parses "LED=ON,BUZZER=OFF" style payloads. At least
// one known token must match.
func applyActuators(payload string, led, buzzer *bool) bool {
	matched := false
	for _, tok := range strings.Split(payload, ",") {
		parts := strings.SplitN(strings.TrimSpace(tok), "=", 2)
		if len(parts) != 2 {
			continue
		}
		value := strings.EqualFold(parts[1], "ON")
		if !value && !strings.EqualFold(parts[1], "OFF") {
			continue
		}
		switch strings.ToUpper(parts[0]) {
		case "LED":
			*led = value
			matched = true
		case "BUZZER":
			*buzzer = value
			matched = true
		}
	}
	return matched
}

func (a *appState) appendFile(w *coapfs.ResponseWriter, r *coapfs.Request) error {
	if !wantsText(w, r) {
		return nil
	}
	if len(r.Payload()) == 0 {
		w.WriteCode(message.BadRequest)
		return nil
	}
	f, err := a.storage.Append(textResource)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(r.Payload(), '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	w.WriteCode(message.Changed)
	return nil
}

func (a *appState) fetchFile(w *coapfs.ResponseWriter, r *coapfs.Request) error {
	start, end, ok := parseLineSelector(string(r.Payload()))
	if !ok {
		w.WriteCode(message.BadRequest)
		return nil
	}
	f, err := a.storage.Open(textResource)
	if err != nil {
		w.WriteCode(message.NotFound)
		return nil
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	w.SetOption(message.ContentFormat, message.TextPlain)
	w.Write(selectLines(data, start, end))
	return nil
}

// parseLineSelector accepts "" (default), "N" (first N lines) and
// "start,end" (inclusive, 1-based).
func parseLineSelector(s string) (start, end int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1, defaultFetchLines, true
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		a, err1 := strconv.Atoi(strings.TrimSpace(s[:i]))
		b, err2 := strconv.Atoi(strings.TrimSpace(s[i+1:]))
		if err1 != nil || err2 != nil || a < 1 || b < a {
			return 0, 0, false
		}
		return a, b, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, 0, false
	}
	return 1, n, true
}

// selectLines returns lines start..end of data, truncated to the
// fetch limit.
func selectLines(data []byte, start, end int) []byte {
	var out bytes.Buffer
	line := 0
	for len(data) > 0 {
		line++
		i := bytes.IndexByte(data, '\n')
		var cur []byte
		if i < 0 {
			cur, data = data, nil
		} else {
			cur, data = data[:i+1], data[i+1:]
		}
		if line > end {
			break
		}
		if line >= start {
			out.Write(cur)
		}
	}
	b := out.Bytes()
	if len(b) > fetchLimit {
		b = b[:fetchLimit]
	}
	return b
}

func (a *appState) getFileBlock(w *coapfs.ResponseWriter, r *coapfs.Request) error {
	name, format := textResource, message.TextPlain
	if strings.Contains(r.Query(), "type=image") {
		name, format = imageResource, message.ImageJPEG
	}

	block := message.BlockOption{Num: 0, Size: message.MaxBlockSize}
	if b, ok := message.ParseBlock2(r.Msg); ok {
		block = b
	}

	size, err := a.storage.Size(name)
	if err != nil {
		w.WriteCode(message.NotFound)
		return nil
	}
	offset := int64(block.Num) * int64(block.Size)
	if offset > size || (offset == size && block.Num > 0) {
		w.WriteCode(message.BadRequest)
		return nil
	}
	f, err := a.storage.Open(name)
	if err != nil {
		w.WriteCode(message.NotFound)
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, block.Size)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}

	out := message.BlockOption{
		Num:  block.Num,
		More: offset+int64(n) < size,
		Size: block.Size,
	}
	w.SetOption(message.Block2, out.Value())
	w.SetOption(message.ContentFormat, format)
	w.Write(buf[:n])
	return nil
}
