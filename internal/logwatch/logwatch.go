// Copyright 2025 Tom Barlow
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

// Package logwatch follows the output capture files of supervised daemons
// and forwards complete lines into the session logger, so daemon output
// shows up interleaved with the test run's own logs.
package logwatch

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/harness/internal/log"
)

type follow struct {
	file     *os.File
	daemonID string
	stream   string
	partial  []byte
}

// Watcher tails capture files and forwards their lines.
type Watcher struct {
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]*follow

	done chan struct{}
}

// New builds a watcher forwarding into logger.
func New(logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		logger: log.Or(logger),
		fsw:    fsw,
		files:  make(map[string]*follow),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Follow starts tailing path, attributing its lines to the daemon and
// stream ("stdout"/"stderr"). Content already present is forwarded first.
func (w *Watcher) Follow(path, daemonID, stream string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening capture file %s: %w", path, err)
	}

	w.mu.Lock()
	w.files[path] = &follow{file: f, daemonID: daemonID, stream: stream}
	w.mu.Unlock()

	if err := w.fsw.Add(path); err != nil {
		w.mu.Lock()
		delete(w.files, path)
		w.mu.Unlock()
		f.Close()
		return fmt.Errorf("watching capture file %s: %w", path, err)
	}

	w.drain(path)
	return nil
}

// Unfollow stops tailing path, forwarding anything still unread.
func (w *Watcher) Unfollow(path string) {
	w.drain(path)
	_ = w.fsw.Remove(path)
	w.mu.Lock()
	fl, ok := w.files[path]
	delete(w.files, path)
	w.mu.Unlock()
	if ok {
		w.flushPartial(fl)
		fl.file.Close()
	}
}

// Close stops the watcher and releases all followed files.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	files := w.files
	w.files = make(map[string]*follow)
	w.mu.Unlock()
	for _, fl := range files {
		w.drainFollow(fl)
		w.flushPartial(fl)
		fl.file.Close()
	}
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) {
				w.drain(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("capture file watcher error", "error", err)
		}
	}
}

func (w *Watcher) drain(path string) {
	w.mu.Lock()
	fl, ok := w.files[path]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.drainFollow(fl)
}

// drainFollow reads everything new in the file and forwards complete lines,
// keeping a trailing partial line for the next round.
func (w *Watcher) drainFollow(fl *follow) {
	buf := make([]byte, 64*1024)
	for {
		n, err := fl.file.Read(buf)
		if n > 0 {
			fl.partial = append(fl.partial, buf[:n]...)
			for {
				idx := bytes.IndexByte(fl.partial, '\n')
				if idx < 0 {
					break
				}
				w.forward(fl, fl.partial[:idx])
				fl.partial = fl.partial[idx+1:]
			}
		}
		if err != nil {
			if err != io.EOF {
				w.logger.Warn("reading capture file failed", "error", err)
			}
			return
		}
	}
}

func (w *Watcher) flushPartial(fl *follow) {
	if len(fl.partial) > 0 {
		w.forward(fl, fl.partial)
		fl.partial = nil
	}
}

func (w *Watcher) forward(fl *follow, line []byte) {
	w.logger.Info(string(line), log.DaemonIDKey, fl.daemonID, log.StreamKey, fl.stream)
}
