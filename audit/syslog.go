/*-
 * Copyright 2018 Square Inc.
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

package audit

import (
	"io"
	"os"

	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Syslog opens a writer to the local syslog daemon.
func Syslog(facility, tag string) (zapcore.WriteSyncer, io.Closer, error) {
	w, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, facility, tag)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting to syslog")
	}
	return zapcore.AddSync(w), w, nil
}

// NewLogger builds a zap logger in the given format ("json" or
// "console"). A nil writer means stderr.
func NewLogger(format string, w zapcore.WriteSyncer) (*zap.Logger, error) {
	if w == nil {
		w = zapcore.Lock(os.Stderr)
	}
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(config)
	case "console":
		encoder = zapcore.NewConsoleEncoder(config)
	default:
		return nil, errors.Errorf("unknown log format '%s'", format)
	}
	return zap.New(zapcore.NewCore(encoder, w, zapcore.InfoLevel)), nil
}
