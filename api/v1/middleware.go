package v1

import (
	"context"
	"net/http"
	"strings"
	"time"

	"modelfetch/internal/reqid"
)

type rwLogger struct {
	http.ResponseWriter
	status int
	bytes  int
	err    error
}

func (w *rwLogger) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *rwLogger) SetErr(err error) {
	w.err = err
}

func (w *rwLogger) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

type errorSetter interface {
	SetErr(error)
}

func markErr(w http.ResponseWriter, err error) {
	if es, ok := w.(errorSetter); ok {
		es.SetErr(err)
	}
}

func MiddlewareEnqueueValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body enqueueBody
		if err := decodeJSONStrict(w, r, &body, 1<<20); err != nil {
			markErr(w, err)
			if err == ErrContentType {
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		if strings.TrimSpace(body.URL) == "" {
			markErr(w, ErrSourceRequired)
			http.Error(w, ErrSourceRequired.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.Destination) == "" {
			markErr(w, ErrDestRequired)
			http.Error(w, ErrDestRequired.Error(), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyEnqueue{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func MiddlewarePatchDesired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body patchBody
		if err := decodeJSONStrict(w, r, &body, 1<<20); err != nil {
			markErr(w, err)
			if err == ErrContentType {
				http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if body.DesiredStatus == "" {
			markErr(w, ErrDesiredStatusJSON)
			http.Error(w, ErrDesiredStatusJSON.Error(), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyPatch{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (dh *DownloadHandler) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rw := &rwLogger{ResponseWriter: w}
		next.ServeHTTP(rw, r)
		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		timeElapsed := time.Since(startTime)

		attrs := []any{
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.status,
			"remote", r.RemoteAddr,
			"ua", r.UserAgent(),
			"dur_ms", timeElapsed.Milliseconds(),
			"bytes", rw.bytes,
		}
		if id, ok := reqid.From(r.Context()); ok {
			attrs = append(attrs, "request_id", id)
		}
		if rw.err != nil {
			dh.l.Error(rw.err.Error(), attrs...)
			return
		}
		dh.l.Info("", attrs...)
	})
}
