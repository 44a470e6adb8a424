// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package httpserver

import (
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/webhelp.v1/whmon"
	"gopkg.in/webhelp.v1/whroute"

	"storj.io/common/http/requestid"
)

// logTraffic logs each request when it arrives and again with the outcome
// once it has been served.
func logTraffic(log *zap.Logger, h http.Handler) http.Handler {
	return whmon.MonitorResponse(whroute.HandlerFunc(h,
		func(w http.ResponseWriter, r *http.Request) {
			rw := w.(whmon.ResponseWriter)
			start := time.Now()

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request-id", requestid.FromContext(r.Context())),
				zap.String("remote-ip", remoteIP(r)),
				zap.String("user-agent", r.UserAgent()),
			}
			log.Debug("access", fields...)

			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic", append(fields, zap.Any("recover", rec))...)
					panic(rec)
				}
			}()
			h.ServeHTTP(rw, r)

			if !rw.WroteHeader() {
				rw.WriteHeader(http.StatusOK)
			}

			if ce := log.Check(statusLevel(rw.StatusCode()), "response"); ce != nil {
				ce.Write(append(fields,
					zap.Int("code", rw.StatusCode()),
					zap.Int64("content-length", r.ContentLength),
					zap.Int64("written", rw.Written()),
					zap.Duration("duration", time.Since(start)))...)
			}
		}))
}

// statusLevel logs server errors loudly and everything else, including
// denied checks, at debug.
func statusLevel(status int) zapcore.Level {
	switch {
	case status == http.StatusNotImplemented:
		return zap.WarnLevel
	case status >= 500:
		return zap.ErrorLevel
	default:
		return zap.DebugLevel
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
