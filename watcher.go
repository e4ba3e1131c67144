/*-
 * Copyright 2015 Square Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// notify sends on a reload channel without blocking; one pending reload
// covers any number of changes.
func notify(reload chan<- bool) {
	select {
	case reload <- true:
	default:
	}
}

// watchAuto notifies on reload when any of the files changes. Directories
// are watched rather than files so that replacing a file by rename, as
// editors and config management do, is seen too.
func watchAuto(ctx context.Context, files []string, reload chan<- bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := map[string]bool{}
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		watched[abs] = true
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			return err
		}
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(event.Name)] || event.Has(fsnotify.Chmod) {
				continue
			}
			logger.Printf("detected change on %s, reloading", event.Name)
			notify(reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("error watching files: %s", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// watchTimed hashes the files every interval and notifies on reload when
// a hash changes.
func watchTimed(ctx context.Context, files []string, interval time.Duration, reload chan<- bool) {
	hashes := hashFiles(files)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			next := hashFiles(files)
			if filesChanged(hashes, next) {
				logger.Printf("detected change on watched files, reloading")
				hashes = next
				notify(reload)
			}
		case <-ctx.Done():
			return
		}
	}
}

func filesChanged(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return true
	}
	for file, hash := range a {
		if !bytes.Equal(hash, b[file]) {
			return true
		}
	}
	return false
}

// hashFiles skips files it cannot read.
func hashFiles(files []string) map[string][]byte {
	hashes := map[string][]byte{}
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			logger.Printf("unable to read %s: %s", file, err)
			continue
		}
		h := sha256.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			logger.Printf("unable to read %s: %s", file, err)
			continue
		}
		hashes[file] = h.Sum(nil)
	}
	return hashes
}
