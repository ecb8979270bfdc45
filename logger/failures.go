/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package logger

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FailedDocument is one document that could not be written to the target after all retries.
type FailedDocument struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Ordinal   int64           `json:"ordinal"`
	Routing   string          `json:"routing,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Source    json.RawMessage `json:"source,omitempty"`
}

// FailedRequest describes a bulk batch that exhausted its retries. It carries enough of the
// batch to reconcile the target by hand.
type FailedRequest struct {
	Timestamp  time.Time        `json:"timestamp"`
	WorkItem   string           `json:"workItem,omitempty"`
	Index      string           `json:"index"`
	MaxOrdinal int64            `json:"maxOrdinal"`
	Attempts   int              `json:"attempts"`
	Error      string           `json:"error"`
	Documents  []FailedDocument `json:"documents"`
}

// FailedRequestsLogger is the side channel for permanently failed bulk batches. It is kept apart
// from the main Logger so operators can replay or audit failures without scraping regular logs.
type FailedRequestsLogger interface {
	LogFailedRequest(request FailedRequest)
}

type jsonLinesFailedRequestsLogger struct {
	mux     sync.Mutex
	encoder *json.Encoder
	log     Logger
}

// NewFailedRequestsFileLogger writes one JSON object per failed batch into a rotated file
// configured by the file settings of config.
func NewFailedRequestsFileLogger(config Configuration, log Logger) FailedRequestsLogger {
	normalizeConfig(&config)
	return NewFailedRequestsWriterLogger(NewRotatingFile(config), log)
}

// NewFailedRequestsWriterLogger writes one JSON object per failed batch into w. Encoding errors are
// reported through log.
func NewFailedRequestsWriterLogger(w io.Writer, log Logger) FailedRequestsLogger {
	if log == nil {
		log = GetDefaultLogger()
	}
	return &jsonLinesFailedRequestsLogger{
		encoder: json.NewEncoder(w),
		log:     log,
	}
}

func (l *jsonLinesFailedRequestsLogger) LogFailedRequest(request FailedRequest) {
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now().UTC()
	}

	l.mux.Lock()
	defer l.mux.Unlock()
	if err := l.encoder.Encode(request); err != nil {
		l.log.Errorf("Unable to record failed bulk request for index %s (max ordinal %d): %+v",
			request.Index, request.MaxOrdinal, err)
	}
}

type logrusFailedRequestsLogger struct {
	log *logrus.Logger
}

// NewFailedRequestsLogger writes every failed batch as one JSON entry of a logrus logger of its own,
// documents included, so the entries can be told apart from the run log and replayed.
func NewFailedRequestsLogger(w io.Writer) FailedRequestsLogger {
	lLogger := logrus.New()
	lLogger.SetOutput(w)
	lLogger.SetFormatter(&logrus.JSONFormatter{})
	lLogger.SetLevel(logrus.ErrorLevel)
	return &logrusFailedRequestsLogger{log: lLogger}
}

func (l *logrusFailedRequestsLogger) LogFailedRequest(request FailedRequest) {
	entry := l.log.WithFields(logrus.Fields{
		"workItem":   request.WorkItem,
		"index":      request.Index,
		"maxOrdinal": request.MaxOrdinal,
		"attempts":   request.Attempts,
		"cause":      request.Error,
		"documents":  request.Documents,
	})
	if !request.Timestamp.IsZero() {
		entry = entry.WithTime(request.Timestamp)
	}
	entry.Error("Bulk request failed permanently")
}
